// Package slot quantizes wall-clock time into recurring slots.
//
// A slot is identified by a Key: the position of a grid boundary inside a
// repeating cycle (hour, day or week), counted in units (one minute by
// default). Keys are computed from wall-clock fields in the clock's location,
// so "Mon 03:00" means the same thing every week regardless of DST.
//
// Everything in this package is pure. The only source of time is Clock.Now,
// which tests replace.
package slot

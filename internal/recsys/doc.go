// Package recsys defines the core types and interfaces shared across the
// recommend-and-scrape subsystems.
package recsys

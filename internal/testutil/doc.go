// Package testutil provides fixtures shared by the package tests: a
// controllable clock and pre-registered clients with known secrets.
package testutil

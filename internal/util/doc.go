// Package util holds small helpers shared by the server, storage and security packages.
package util

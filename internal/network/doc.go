// Package network validates the network identifier carried in a tile host
// label (an MCC-MNC pair such as "234-15") and maps it to the storage layout:
// a network name and a two-letter region code.
//
// Validation is staged so each failure is distinguishable: the identifier must
// match the MCC-MNC pattern, must be a key of the version table, and must then
// hit both the closed network table and the closed region table.
package network

// Package negotiate decides the response to a tile request from the outcome of
// the storage probe and the client's If-None-Match header.
//
// The decision is a table lookup keyed by the probe class (unresolved, found,
// missing, faulted) and by how the inbound validator compares with the class's
// reference validator: the storage validator for found objects, a fixed
// placeholder validator for missing ones and a fixed error validator for faults.
// Only the found rows that answer 200 require the object body to be fetched.
package negotiate

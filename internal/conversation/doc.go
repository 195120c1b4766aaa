// Package conversation resolves participant sets to stable conversation
// identities.
//
// A 1:1 conversation id is a pure, order-independent function of the two
// identities: both parties' first messages canonicalize through PairKey
// and land on the same row, with the storage layer's atomic
// insert-if-absent closing the concurrent-first-message race. Group
// conversations get an assigned opaque id at creation time and a fixed
// participant set.
package conversation

// Package pickle implements a lossless Python pickle codec.
//
// Decoding never executes anything: globals, REDUCE/NEWOBJ calls and BUILD
// states are recorded as values (Global, *Object) so that an arbitrary
// pickle can be inspected, edited and written back without knowing the
// Python classes it references.
//
// Value mapping:
//
//	None                  -> None
//	bool                  -> bool
//	int                   -> int64, or *big.Int when it does not fit
//	float                 -> float64
//	str                   -> string
//	bytes                 -> Bytes
//	tuple                 -> Tuple
//	list                  -> *List
//	dict                  -> *Dict (insertion ordered)
//	set, frozenset        -> *Set
//	global reference      -> Global
//	callable(...)         -> *Object
//	persistent id         -> PersistentID, or whatever the load hook returns
//
// Mutable containers are pointers so that shared references survive a
// decode/encode round trip through the memo.
//
// Example:
//
//	dec := pickle.NewDecoder(r)
//	v, err := dec.Decode()
//	if err != nil {
//	    return err
//	}
//	if d, ok := pickle.AsDict(v); ok {
//	    d.Set("epoch", int64(6))
//	}
//	return pickle.NewEncoder(w).Encode(v)
package pickle

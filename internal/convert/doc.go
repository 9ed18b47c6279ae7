// Package convert extracts the EMA weights of a training checkpoint and
// renames them onto the primary model.
//
// Run loads a torch.save archive, keeps the state_dict entries whose key
// starts with the source prefix ("ema.model"), renames that prefix to the
// target prefix ("model.model"), replaces state_dict with the result and
// writes the whole checkpoint back out. Every other top-level field passes
// through unchanged.
//
// The transform is not idempotent: converting an already converted file
// yields an empty state_dict, since no key carries the source prefix any
// more.
package convert

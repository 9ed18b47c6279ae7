// Package torch reads and writes PyTorch zip checkpoints (torch.save format).
//
// A checkpoint is a zip archive:
//
//	archive/data.pkl              pickled object graph
//	archive/byteorder             "little"
//	archive/data/<key>            raw storage bytes, one record per storage
//	archive/version               format version
//	archive/.data/serialization_id
//
// Tensors inside data.pkl are torch._utils._rebuild_tensor_v2 calls whose
// first argument is a persistent id
//
//	('storage', torch.FloatStorage, '<key>', '<location>', <numel>)
//
// Load resolves those ids to *Storage values, so the decoded graph can be
// edited with the pickle package and written back with Save. Storage bytes
// are not read until needed; Save streams them from the source archive.
//
// Example:
//
//	ckpt, err := torch.Load("last.ckpt", torch.WithDevice("cpu"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ckpt.Close()
//
//	sd, err := ckpt.StateDict()
//	...
//	if _, err := ckpt.Save(ctx, "out.pt"); err != nil {
//	    log.Fatal(err)
//	}
package torch

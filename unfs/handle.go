package unfs

import "github.com/deyohong/UNFS/unfserr"

// Handle is the opaque value returned by Open: (fsid_high, open_seq_low)
// packed into one uint64, so a handle obtained before a close/reopen is
// detected as stale rather than silently reused (spec §4.6).
type Handle uint64

func makeHandle(fsid, seq uint64) Handle {
	return Handle(uint64(uint32(fsid))<<32 | uint64(uint32(seq)))
}

func (h Handle) fsidHigh() uint32 { return uint32(h >> 32) }
func (h Handle) seqLow() uint32   { return uint32(h) }

// validate confirms h still refers to this filesystem's current open
// generation.
func (fs *Filesystem) validate(h Handle) error {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.state != Open {
		return unfserr.New(unfserr.InvalidArgument, "filesystem not open")
	}
	if h.fsidHigh() != uint32(fs.fsid) || h.seqLow() != uint32(fs.seq) {
		return unfserr.New(unfserr.InvalidArgument, "stale filesystem handle")
	}
	return nil
}

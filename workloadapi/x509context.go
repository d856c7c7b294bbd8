package workloadapi

import (
	"spiffe-workload-source/bundle"
	"spiffe-workload-source/svid"
)

// X509Context is one immutable snapshot of the workload's X.509 identity
// material: its SVIDs (first is the default) and the trust bundles for its
// own and all federated trust domains. A published snapshot is never
// mutated; updates replace the whole value.
type X509Context struct {
	SVIDs   []*svid.X509SVID
	Bundles *bundle.X509Set
}

// DefaultSVID returns the first SVID in the context.
func (c *X509Context) DefaultSVID() *svid.X509SVID {
	return c.SVIDs[0]
}

package pairing

// ShouldRequestConnection decides which side of a mutually discovered pair sends
// the outbound connection request. The side with the lexicographically greater
// identity initiates; the other side waits for the inbound request. Equal
// identities initiate from neither side.
func ShouldRequestConnection(localIdentity, remoteIdentity string) bool {
	return localIdentity > remoteIdentity
}

// Package discovery produces candidate peer addresses for topics.
//
// A Source is anything that can announce a topic and stream back candidate
// (identity, address) pairs for it. Two sources are provided: a local
// network source that broadcasts and listens for UDP discovery beacons,
// and an adapter over an external wide-area DHT client. The swarm fans
// every source's output, after a short coalescing window that drops
// duplicate sightings, into its dialer.
package discovery

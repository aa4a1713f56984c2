// Package peerswarm finds peers for topics and keeps exactly one live
// connection per peer.
//
// A Swarm joins opaque 32-byte topics, announces them on every configured
// discovery source, dials the candidates the sources report, accepts
// inbound connections, and arbitrates the inevitable races so that at most
// one connection per remote identity survives. The application consumes a
// single stream of PeerConnected/PeerDisconnected events and owns each
// connection from the moment it is emitted.
//
// Example:
//
//	opts := peerswarm.NewOptions()
//	opts.TCPListenAddr = ":33445"
//
//	swarm, err := peerswarm.New(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer swarm.Close()
//
//	topic := crypto.NewTopic("my-application")
//	if err := swarm.Join(topic); err != nil {
//	    log.Fatal(err)
//	}
//
//	for ev := range swarm.Events() {
//	    switch ev.Type {
//	    case peerswarm.EventPeerConnected:
//	        go serve(ev.Conn)
//	    case peerswarm.EventPeerDisconnected:
//	        log.Printf("lost %s", ev.Identity)
//	    }
//	}
package peerswarm

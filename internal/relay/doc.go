// Package relay mirrors the peer application's quote stream to local
// consumers.
//
// A single Connection holds the upstream session. It reconnects at a fixed
// delay forever, and after each connect it replays the union of symbols
// that consumers want, as kept by the reference-counted Registry. Incoming
// quotes fan out through the Bridge; the Hub gives each consumer its own
// buffered channels so a slow client only ever loses its own messages.
//
//	bridge := relay.NewBridge(logger)
//	conn := relay.NewConnection(relay.NewWSDialer(wsCfg), relay.NewRegistry(), bridge, connCfg, logger)
//	conn.Start(ctx)
//	hub := relay.NewHub(conn, bridge, relay.DefaultHubConfig(), logger)
//
//	c := hub.Attach()
//	hub.Subscribe(c.ID, []string{"ABC"})
//	for {
//		select {
//		case quote := <-c.Data():
//			...
//		case <-c.Done():
//			return
//		}
//	}
package relay

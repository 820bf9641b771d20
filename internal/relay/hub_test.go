package relay_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bagoltermann/momentum-trader-charting/internal/relay"
)

var _ = Describe("Hub", func() {
	var (
		dialer *fakeDialer
		peer   *fakePeer
		bridge *relay.Bridge
		conn   *relay.Connection
		hub    *relay.Hub
		log    *slog.Logger
	)

	newHub := func(cfg relay.HubConfig) {
		hub = relay.NewHub(conn, bridge, cfg, log)
	}

	BeforeEach(func() {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
		dialer = &fakeDialer{}
		peer = newFakePeer()
		dialer.queue(peer)
		bridge = relay.NewBridge(log)
		conn = relay.NewConnection(dialer, relay.NewRegistry(), bridge, relay.ConnectionConfig{
			ReconnectDelay: 10 * time.Millisecond,
		}, log)
		newHub(relay.DefaultHubConfig())
	})

	AfterEach(func() {
		conn.Stop()
	})

	It("should hand a new consumer the current status", func() {
		c := hub.Attach()
		Expect(c.ID).NotTo(BeEmpty())

		var status relay.Status
		Expect(c.Status()).To(Receive(&status))
		Expect(status.Connected).To(BeFalse())
	})

	It("should give each consumer a distinct id", func() {
		Expect(hub.Attach().ID).NotTo(Equal(hub.Attach().ID))
		Expect(hub.Stats().Consumers).To(Equal(2))
	})

	It("should deliver the relayed stream to every consumer", func() {
		a := hub.Attach()
		b := hub.Attach()
		conn.Start(context.Background())

		_, err := hub.Subscribe(a.ID, []string{"ABC"})
		Expect(err).NotTo(HaveOccurred())
		Eventually(peer.Written).Should(HaveLen(1))

		peer.send(relay.EventQuoteUpdate, `{"symbol":"ABC"}`)

		Eventually(a.Data()).Should(Receive(Equal(json.RawMessage(`{"symbol":"ABC"}`))))
		Eventually(b.Data()).Should(Receive(Equal(json.RawMessage(`{"symbol":"ABC"}`))))
	})

	It("should reject unknown consumers", func() {
		_, err := hub.Subscribe("nope", []string{"ABC"})
		Expect(err).To(MatchError(relay.ErrUnknownConsumer))
		_, err = hub.Unsubscribe("nope", []string{"ABC"})
		Expect(err).To(MatchError(relay.ErrUnknownConsumer))
		Expect(hub.Detach("nope")).To(MatchError(relay.ErrUnknownConsumer))
	})

	It("should release a detached consumer's symbols", func() {
		a := hub.Attach()
		b := hub.Attach()
		conn.Start(context.Background())
		Eventually(conn.State).Should(Equal(relay.StateConnected))

		hub.Subscribe(a.ID, []string{"ABC", "XYZ"})
		hub.Subscribe(b.ID, []string{"XYZ"})

		Expect(hub.Detach(a.ID)).To(Succeed())
		Expect(a.Done()).To(BeClosed())
		Expect(hub.Stats().Symbols).To(Equal([]string{"XYZ"}))

		written := peer.Written()
		last := written[len(written)-1]
		Expect(last.Event).To(Equal(relay.EventUnsubscribe))
		Expect(symbolsOf(last)).To(Equal([]string{"ABC"}))
	})

	It("should stop delivering to a detached consumer", func() {
		a := hub.Attach()
		Expect(hub.Detach(a.ID)).To(Succeed())

		bridge.DispatchQuote(json.RawMessage(`{}`))
		Expect(a.Data()).NotTo(Receive())
	})

	Context("when a consumer falls behind", func() {
		It("should drop the oldest quotes by default", func() {
			newHub(relay.HubConfig{DataBuffer: 2, Overflow: relay.DropOldest})
			c := hub.Attach()

			for _, q := range []string{`1`, `2`, `3`} {
				bridge.DispatchQuote(json.RawMessage(q))
			}

			Expect(c.Data()).To(Receive(Equal(json.RawMessage(`2`))))
			Expect(c.Data()).To(Receive(Equal(json.RawMessage(`3`))))
			Expect(c.Dropped()).To(Equal(int64(1)))
			Expect(hub.Stats().Dropped).To(Equal(int64(1)))
		})

		It("should drop the newest quotes when configured to", func() {
			newHub(relay.HubConfig{DataBuffer: 2, Overflow: relay.DropNewest})
			c := hub.Attach()

			for _, q := range []string{`1`, `2`, `3`} {
				bridge.DispatchQuote(json.RawMessage(q))
			}

			Expect(c.Data()).To(Receive(Equal(json.RawMessage(`1`))))
			Expect(c.Data()).To(Receive(Equal(json.RawMessage(`2`))))
			Expect(c.Dropped()).To(Equal(int64(1)))
		})

		It("should not hold up other consumers", func() {
			newHub(relay.HubConfig{DataBuffer: 1, Overflow: relay.DropNewest})
			slow := hub.Attach()
			fast := hub.Attach()

			bridge.DispatchQuote(json.RawMessage(`1`))
			Expect(fast.Data()).To(Receive())
			bridge.DispatchQuote(json.RawMessage(`2`))
			Expect(fast.Data()).To(Receive(Equal(json.RawMessage(`2`))))
			Expect(slow.Dropped()).To(Equal(int64(1)))
		})
	})

	It("should keep only the latest status when the status buffer is full", func() {
		newHub(relay.HubConfig{StatusBuffer: 1})
		c := hub.Attach()

		bridge.DispatchStatus(relay.NewStatus(true))
		Expect(c.Status()).To(Receive(Equal(relay.NewStatus(true))))
	})

	It("should expose active spikes", func() {
		conn.Start(context.Background())
		peer.send(relay.EventVolumeSpike, `{"symbol":"ABC","spike_ratio":3}`)
		Eventually(hub.ActiveSpikes).Should(HaveKey("ABC"))
	})
})

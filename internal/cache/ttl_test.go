package cache_test

import (
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bagoltermann/momentum-trader-charting/internal/cache"
)

var _ = Describe("TTLCache", func() {
	var (
		c   *cache.TTLCache[string, []int]
		now time.Time
		mu  sync.Mutex
	)

	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	BeforeEach(func() {
		now = time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC)
		c = cache.New[string, []int](60*time.Second, cache.WithClock(clock))
	})

	Describe("Get", func() {
		It("should miss on an unknown key", func() {
			_, ok := c.Get("ABC:minute:1")
			Expect(ok).To(BeFalse())
		})

		It("should return the value immediately after Put", func() {
			c.Put("ABC:minute:1", []int{1, 2, 3})
			v, ok := c.Get("ABC:minute:1")
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal([]int{1, 2, 3}))
		})

		It("should still hit just before the ttl", func() {
			c.Put("ABC:minute:1", []int{1})
			advance(59 * time.Second)
			_, ok := c.Get("ABC:minute:1")
			Expect(ok).To(BeTrue())
		})

		It("should treat an entry of exactly ttl age as absent", func() {
			c.Put("ABC:minute:1", []int{1})
			advance(60 * time.Second)
			_, ok := c.Get("ABC:minute:1")
			Expect(ok).To(BeFalse())
		})

		It("should evict expired entries lazily", func() {
			c.Put("ABC:minute:1", []int{1})
			c.Put("XYZ:minute:1", []int{2})
			advance(2 * time.Minute)
			Expect(c.Len()).To(Equal(2))

			_, ok := c.Get("ABC:minute:1")
			Expect(ok).To(BeFalse())
			Expect(c.Len()).To(Equal(1))
			Expect(c.Stats().Evictions).To(Equal(int64(1)))
		})
	})

	Describe("Put", func() {
		It("should replace the entry and restart its lifetime", func() {
			c.Put("ABC:minute:1", []int{1})
			advance(50 * time.Second)
			c.Put("ABC:minute:1", []int{2})
			advance(50 * time.Second)

			v, ok := c.Get("ABC:minute:1")
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal([]int{2}))
		})
	})

	Describe("Items", func() {
		It("should return live entries and drop expired ones", func() {
			c.Put("OLD", []int{1})
			advance(45 * time.Second)
			c.Put("NEW", []int{2})
			advance(20 * time.Second)

			items := c.Items()
			Expect(items).To(HaveLen(1))
			Expect(items).To(HaveKeyWithValue("NEW", []int{2}))
			Expect(c.Len()).To(Equal(1))
			Expect(c.Stats().Evictions).To(Equal(int64(1)))
		})
	})

	Describe("Stats", func() {
		It("should count hits and misses", func() {
			c.Put("A", []int{1})
			c.Get("A")
			c.Get("A")
			c.Get("B")

			stats := c.Stats()
			Expect(stats.Hits).To(Equal(int64(2)))
			Expect(stats.Misses).To(Equal(int64(1)))
			Expect(stats.Entries).To(Equal(1))
		})
	})

	Describe("Concurrent access", func() {
		It("should never expose a partially written value", func() {
			shared := cache.New[string, []int](time.Minute)

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(2)
				go func(n int) {
					defer wg.Done()
					for j := 0; j < 100; j++ {
						shared.Put(fmt.Sprintf("k%d", j%5), []int{n, n, n})
					}
				}(i)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					for j := 0; j < 100; j++ {
						if v, ok := shared.Get(fmt.Sprintf("k%d", j%5)); ok {
							Expect(v).To(HaveLen(3))
							Expect(v[0]).To(Equal(v[2]))
						}
					}
				}()
			}
			wg.Wait()
		})
	})
})

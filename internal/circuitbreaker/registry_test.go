package circuitbreaker_test

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/tile-proxy/internal/circuitbreaker"
)

var _ = Describe("Registry", func() {
	var registry *circuitbreaker.Registry

	BeforeEach(func() {
		registry = circuitbreaker.NewRegistry(5, 30*time.Second, nil)
	})

	Describe("GetBreaker", func() {
		It("should create a new breaker for an unknown host", func() {
			cb := registry.GetBreaker("f003.backblazeb2.com")
			Expect(cb).NotTo(BeNil())
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		})

		It("should return the same breaker for the same host", func() {
			cb1 := registry.GetBreaker("f003.backblazeb2.com")
			cb2 := registry.GetBreaker("f003.backblazeb2.com")
			Expect(cb1).To(BeIdenticalTo(cb2))
		})

		It("should return different breakers for different hosts", func() {
			cb1 := registry.GetBreaker("f003.backblazeb2.com")
			cb2 := registry.GetBreaker("f004.backblazeb2.com")
			Expect(cb1).NotTo(BeIdenticalTo(cb2))
		})

		It("should use registry threshold for new breakers", func() {
			registry = circuitbreaker.NewRegistry(2, 100*time.Millisecond, nil)
			cb := registry.GetBreaker("f003.backblazeb2.com")

			Expect(cb.Execute(fail)).To(HaveOccurred())
			Expect(cb.Execute(fail)).To(HaveOccurred())
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
		})

		It("should use registry timeout for new breakers", func() {
			registry = circuitbreaker.NewRegistry(2, 50*time.Millisecond, nil)
			cb := registry.GetBreaker("f003.backblazeb2.com")

			Expect(cb.Execute(fail)).To(HaveOccurred())
			Expect(cb.Execute(fail)).To(HaveOccurred())
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))

			time.Sleep(60 * time.Millisecond)
			Expect(cb.State()).To(Equal(circuitbreaker.StateHalfOpen))
		})

		It("should name breakers after their host", func() {
			Expect(registry.GetBreaker("f003.backblazeb2.com").Name()).To(Equal("f003.backblazeb2.com"))
		})
	})

	Describe("Concurrent access", func() {
		It("should handle concurrent GetBreaker calls safely", func() {
			const goroutines = 100

			var wg sync.WaitGroup
			wg.Add(goroutines)

			for i := 0; i < goroutines; i++ {
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					for j := 0; j < 10; j++ {
						Expect(registry.GetBreaker("f003.backblazeb2.com")).NotTo(BeNil())
					}
				}()
			}

			wg.Wait()
			Expect(registry.Stats()).To(HaveLen(1))
		})

		It("should handle concurrent calls on the same breaker", func() {
			const goroutines = 50

			var wg sync.WaitGroup
			wg.Add(goroutines * 2)

			cb := registry.GetBreaker("f003.backblazeb2.com")

			for i := 0; i < goroutines; i++ {
				go func() {
					defer wg.Done()
					_ = cb.Execute(fail)
				}()
				go func() {
					defer wg.Done()
					_ = cb.Execute(succeed)
				}()
			}

			wg.Wait()

			Expect(cb.State()).To(BeElementOf(
				circuitbreaker.StateClosed,
				circuitbreaker.StateOpen,
				circuitbreaker.StateHalfOpen,
			))
		})
	})

	Describe("Reset", func() {
		It("should clear all breakers", func() {
			registry.GetBreaker("a")
			registry.GetBreaker("b")
			registry.GetBreaker("c")
			Expect(registry.Stats()).To(HaveLen(3))

			registry.Reset()
			Expect(registry.Stats()).To(BeEmpty())
		})
	})

	Describe("Stats", func() {
		It("should return state of all breakers", func() {
			registry.GetBreaker("healthy")
			tripped := registry.GetBreaker("failing")

			for i := 0; i < 5; i++ {
				_ = tripped.Execute(fail)
			}

			stats := registry.Stats()
			Expect(stats).To(HaveLen(2))
			Expect(stats["healthy"]).To(Equal(circuitbreaker.StateClosed))
			Expect(stats["failing"]).To(Equal(circuitbreaker.StateOpen))
		})
	})
})

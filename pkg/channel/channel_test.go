package channel_test

import (
	"context"
	"time"

	"github.com/lawrencejones/pgshift/pkg/channel"
	"github.com/lawrencejones/pgshift/pkg/record"
	"github.com/lawrencejones/pgshift/pkg/tracker"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var (
	// insert into example (id, msg) values (1, 'original');
	fixtureExample1Insert = record.Build(
		record.Build.WithTable("example"),
		record.Build.WithLSN(1),
		record.Build.WithKey("id", 1),
		record.Build.WithColumn("msg", "original"),
	)
	// update example set msg = 'first' where id = 1;
	fixtureExample1Update = record.Build(
		record.Build.WithKind(record.Update),
		record.Build.WithBase(fixtureExample1Insert),
		record.Build.WithLSN(2),
		record.Build.WithKey("id", 1),
		record.Build.WithUpdate("msg", "original", "first"),
	)
	// insert into example (id, msg) values (2, 'another');
	fixtureExample2Insert = record.Build(
		record.Build.WithTable("example"),
		record.Build.WithLSN(3),
		record.Build.WithKey("id", 2),
		record.Build.WithColumn("msg", "another"),
	)
)

var _ = Describe("Memory", func() {
	var (
		ctx    context.Context
		cancel func()
		ch     *channel.Memory
		opts   channel.Options
		acked  []record.Record
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		opts = channel.Options{Capacity: 2}
		acked = nil
	})

	JustBeforeEach(func() {
		ch = channel.NewMemory(opts, func(_ context.Context, records []record.Record) error {
			acked = append(acked, records...)
			return nil
		})
	})

	AfterEach(func() {
		cancel()
	})

	Describe(".Push", func() {
		Context("when the channel is full", func() {
			Context("with a push timeout", func() {
				BeforeEach(func() {
					opts.PushTimeout = 50 * time.Millisecond
				})

				It("times out", func() {
					err := ch.Push(ctx, []record.Record{fixtureExample1Insert, fixtureExample1Update, fixtureExample2Insert})
					Expect(err).To(Equal(channel.ErrPushTimeout))
					Expect(ch.Len()).To(Equal(2), "should have buffered up to capacity")
				})
			})

			It("resumes once a consumer fetches", func() {
				done := make(chan error)
				go func() {
					defer GinkgoRecover()
					done <- ch.Push(ctx, []record.Record{fixtureExample1Insert, fixtureExample1Update, fixtureExample2Insert})
				}()

				Eventually(ch.Len).Should(Equal(2))
				_, err := ch.Fetch(ctx, 1, time.Second)
				Expect(err).NotTo(HaveOccurred())

				Eventually(done).Should(Receive(BeNil()))
			})
		})

		It("fails once closed", func() {
			ch.Close()
			Expect(ch.Push(ctx, []record.Record{fixtureExample1Insert})).To(Equal(channel.ErrClosed))
		})
	})

	Describe(".Fetch", func() {
		It("returns an empty batch when nothing arrives before the timeout", func() {
			start := time.Now()
			batch, err := ch.Fetch(ctx, 10, 50*time.Millisecond)

			Expect(err).NotTo(HaveOccurred())
			Expect(batch).To(BeEmpty())
			Expect(time.Since(start)).To(BeNumerically(">=", 50*time.Millisecond))
		})

		It("returns no more than the batch size", func() {
			Expect(ch.Push(ctx, []record.Record{fixtureExample1Insert, fixtureExample1Update})).To(Succeed())

			batch, err := ch.Fetch(ctx, 1, time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(batch).To(Equal([]record.Record{fixtureExample1Insert}))
		})

		It("stops after a finished record", func() {
			finished := &record.FinishedRecord{Position: record.FinishedPosition{}}
			Expect(ch.Push(ctx, []record.Record{finished, fixtureExample1Insert})).To(Succeed())

			batch, err := ch.Fetch(ctx, 10, time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(batch).To(Equal([]record.Record{finished}))
		})

		It("drains what was pushed before closing", func() {
			Expect(ch.Push(ctx, []record.Record{fixtureExample1Insert})).To(Succeed())
			ch.Close()

			batch, err := ch.Fetch(ctx, 10, time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(batch).To(HaveLen(1))

			_, err = ch.Fetch(ctx, 10, time.Second)
			Expect(err).To(Equal(channel.ErrClosed))
		})

		It("is unblocked by Close", func() {
			done := make(chan error)
			go func() {
				defer GinkgoRecover()
				_, err := ch.Fetch(ctx, 10, time.Minute)
				done <- err
			}()

			ch.Close()
			Eventually(done).Should(Receive(Equal(channel.ErrClosed)))
		})
	})

	Describe(".Ack", func() {
		It("acknowledges only what has been fetched", func() {
			Expect(ch.Push(ctx, []record.Record{fixtureExample1Insert, fixtureExample1Update})).To(Succeed())
			_, err := ch.Fetch(ctx, 1, time.Second)
			Expect(err).NotTo(HaveOccurred())

			Expect(ch.Ack(ctx)).To(Succeed())
			Expect(acked).To(Equal([]record.Record{fixtureExample1Insert}))

			// Nothing new fetched, so nothing more to acknowledge
			Expect(ch.Ack(ctx)).To(Succeed())
			Expect(acked).To(HaveLen(1))
		})
	})
})

var _ = Describe("Multiplex", func() {
	var (
		ctx       context.Context
		cancel    func()
		mux       *channel.Multiplex
		positions []record.Position
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		positions = nil
		mux = channel.NewMultiplex(channel.Options{Capacity: 100, Lanes: 4}, func(_ context.Context, position record.Position) error {
			logger.Log("event", "position.advance", "position", position)
			positions = append(positions, position)
			return nil
		})
	})

	AfterEach(func() {
		mux.Close()
		cancel()
	})

	// fetchAll takes whatever is waiting on each lane, keyed by lane index
	fetchAll := func() map[int][]record.Record {
		fetched := map[int][]record.Record{}
		for idx := 0; idx < mux.Lanes(); idx++ {
			batch, err := mux.Lane(idx).Fetch(ctx, 100, 10*time.Millisecond)
			Expect(err).NotTo(HaveOccurred())
			fetched[idx] = batch
		}

		return fetched
	}

	It("keeps changes to the same row on the same lane, in order", func() {
		Expect(mux.Push(ctx, []record.Record{fixtureExample1Insert, fixtureExample2Insert, fixtureExample1Update})).To(Succeed())

		for _, batch := range fetchAll() {
			if len(batch) > 0 && batch[0] == fixtureExample1Insert {
				Expect(batch).To(ContainElement(fixtureExample1Update))
				return
			}
		}

		Fail("no lane received the first insert at the head of its batch")
	})

	It("broadcasts finished records to every lane", func() {
		Expect(mux.Push(ctx, []record.Record{&record.FinishedRecord{Position: record.FinishedPosition{}}})).To(Succeed())

		for _, batch := range fetchAll() {
			Expect(batch).To(HaveLen(1))
			Expect(batch[0]).To(BeAssignableToTypeOf(&record.FinishedRecord{}))
		}
	})

	It("reports a position only once every earlier record is acknowledged", func() {
		Expect(mux.Push(ctx, []record.Record{fixtureExample1Insert, fixtureExample2Insert})).To(Succeed())

		fetched := fetchAll()
		var first, second int
		for idx, batch := range fetched {
			for _, r := range batch {
				switch r {
				case fixtureExample1Insert:
					first = idx
				case fixtureExample2Insert:
					second = idx
				}
			}
		}

		if first == second {
			Expect(mux.Lane(first).Ack(ctx)).To(Succeed())
			Expect(positions).To(Equal([]record.Position{fixtureExample2Insert.Position}))
			return
		}

		// Acknowledging the later record alone must not move the position
		Expect(mux.Lane(second).Ack(ctx)).To(Succeed())
		Expect(positions).To(BeEmpty())

		Expect(mux.Lane(first).Ack(ctx)).To(Succeed())
		Expect(positions).To(Equal([]record.Position{fixtureExample2Insert.Position}))
	})

	Context("when lanes acknowledge concurrently", func() {
		var (
			saved   *tracker.Memory
			gate    chan struct{}
			entered chan struct{}
		)

		BeforeEach(func() {
			mux.Close()

			saved = tracker.NewMemory()
			gate, entered = make(chan struct{}), make(chan struct{}, 2)
			mux = channel.NewMultiplex(channel.Options{Capacity: 100, Lanes: 2}, func(ctx context.Context, position record.Position) error {
				entered <- struct{}{}
				<-gate
				return saved.Save(ctx, position)
			})
		})

		It("reports positions in the order the window advanced", func() {
			Expect(mux.Push(ctx, []record.Record{fixtureExample1Insert, fixtureExample2Insert})).To(Succeed())

			first, second := -1, -1
			for idx, batch := range fetchAll() {
				for _, r := range batch {
					switch r {
					case fixtureExample1Insert:
						first = idx
					case fixtureExample2Insert:
						second = idx
					}
				}
			}

			// Both rows hash to different lanes when there are two
			Expect(first).NotTo(Equal(second))

			firstAck := make(chan error, 1)
			go func() { firstAck <- mux.Lane(first).Ack(ctx) }()
			Eventually(entered).Should(Receive())

			// The second lane must wait for the first to finish reporting
			secondAck := make(chan error, 1)
			go func() { secondAck <- mux.Lane(second).Ack(ctx) }()
			Consistently(entered, 50*time.Millisecond).ShouldNot(Receive())

			close(gate)

			var err error
			Eventually(firstAck).Should(Receive(&err))
			Expect(err).NotTo(HaveOccurred())
			Eventually(secondAck).Should(Receive(&err))
			Expect(err).NotTo(HaveOccurred())

			Expect(saved.History()).To(Equal([]record.Position{
				fixtureExample1Insert.Position,
				fixtureExample2Insert.Position,
			}))
		})
	})

	Context("with a key-changing update", func() {
		// update example set id = 3 where id = 1;
		rekey := record.Build(
			record.Build.WithKind(record.Update),
			record.Build.WithBase(fixtureExample1Insert),
			record.Build.WithLSN(4),
			record.Build.WithKey("id", 1),
			record.Build.WithUpdate("id", 1, 3),
		)

		It("waits for earlier records to be acknowledged before routing it", func() {
			Expect(mux.Push(ctx, []record.Record{fixtureExample1Insert})).To(Succeed())

			done := make(chan error)
			go func() {
				defer GinkgoRecover()
				done <- mux.Push(ctx, []record.Record{rekey})
			}()

			Consistently(done, 50*time.Millisecond).ShouldNot(Receive())

			// Keep consuming every lane until the push completes, which requires the rekey
			// to have been acknowledged too
			seen := []record.Record{}
			Eventually(func() bool {
				for idx := 0; idx < mux.Lanes(); idx++ {
					batch, err := mux.Lane(idx).Fetch(ctx, 100, time.Millisecond)
					Expect(err).NotTo(HaveOccurred())
					seen = append(seen, batch...)
					Expect(mux.Lane(idx).Ack(ctx)).To(Succeed())
				}

				select {
				case err := <-done:
					Expect(err).NotTo(HaveOccurred())
					return true
				default:
					return false
				}
			}).Should(BeTrue())

			Expect(seen).To(Equal([]record.Record{fixtureExample1Insert, rekey}))
			Expect(positions).To(Equal([]record.Position{fixtureExample1Insert.Position, rekey.Position}))
		})
	})
})

package scanning

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeEngine struct {
	mu        sync.Mutex
	result    *Recognition
	err       error
	lastInput []byte
	lastLang  string
	closed    bool

	entered atomic.Bool
	block   chan struct{}
}

func (f *fakeEngine) Recognize(ctx context.Context, pngData []byte, language string) (*Recognition, error) {
	f.entered.Store(true)
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastInput = pngData
	f.lastLang = language
	if f.err != nil {
		return nil, f.err
	}
	r := *f.result
	return &r, nil
}

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeEngine) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

var _ = Describe("Recognizer", func() {
	var (
		engine     *fakeEngine
		calls      atomic.Int32
		factoryErr error
		release    chan struct{}
		recognizer *Recognizer
		opts       []RecognizerOption
	)

	BeforeEach(func() {
		engine = &fakeEngine{result: &Recognition{Text: "Shop\nTotal 1.00", Confidence: 75}}
		calls.Store(0)
		factoryErr = nil
		release = nil
		opts = nil
	})

	JustBeforeEach(func() {
		factory := func(ctx context.Context) (Engine, error) {
			calls.Add(1)
			if release != nil {
				<-release
			}
			if factoryErr != nil {
				return nil, factoryErr
			}
			return engine, nil
		}
		recognizer = NewRecognizer(factory, opts...)
	})

	Describe("EnsureReady", func() {
		It("starts the engine lazily", func() {
			Expect(recognizer.Ready()).To(BeFalse())
			Expect(recognizer.EnsureReady(context.Background())).To(Succeed())
			Expect(recognizer.Ready()).To(BeTrue())
			Expect(calls.Load()).To(Equal(int32(1)))
		})

		It("does not start the engine twice", func() {
			Expect(recognizer.EnsureReady(context.Background())).To(Succeed())
			Expect(recognizer.EnsureReady(context.Background())).To(Succeed())
			Expect(calls.Load()).To(Equal(int32(1)))
		})

		When("many callers arrive during setup", func() {
			BeforeEach(func() {
				release = make(chan struct{})
			})

			It("runs the setup once", func() {
				var wg sync.WaitGroup
				errs := make(chan error, 10)
				for i := 0; i < 10; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						errs <- recognizer.EnsureReady(context.Background())
					}()
				}
				Eventually(calls.Load).Should(Equal(int32(1)))
				close(release)
				wg.Wait()
				close(errs)

				for err := range errs {
					Expect(err).NotTo(HaveOccurred())
				}
				Expect(calls.Load()).To(Equal(int32(1)))
			})
		})

		When("the setup fails", func() {
			BeforeEach(func() {
				factoryErr = errors.New("missing language data")
			})

			It("returns ErrEngineInit", func() {
				err := recognizer.EnsureReady(context.Background())
				Expect(err).To(MatchError(ErrEngineInit))
				Expect(err).To(MatchError(ContainSubstring("missing language data")))
				Expect(recognizer.Ready()).To(BeFalse())
			})

			It("tries again on the next call", func() {
				Expect(recognizer.EnsureReady(context.Background())).NotTo(Succeed())
				factoryErr = nil
				Expect(recognizer.EnsureReady(context.Background())).To(Succeed())
				Expect(calls.Load()).To(Equal(int32(2)))
			})
		})

		When("the caller gives up while waiting", func() {
			BeforeEach(func() {
				release = make(chan struct{})
			})

			It("returns the context error and lets the setup finish", func() {
				ctx, cancel := context.WithCancel(context.Background())
				done := make(chan error, 1)
				go func() { done <- recognizer.EnsureReady(ctx) }()

				Eventually(calls.Load).Should(Equal(int32(1)))
				cancel()
				Eventually(done).Should(Receive(MatchError(context.Canceled)))

				close(release)
				Eventually(recognizer.Ready).Should(BeTrue())
			})
		})
	})

	Describe("Recognize", func() {
		var (
			data        []byte
			contentType string
			result      *Recognition
			err         error
		)

		BeforeEach(func() {
			data = []byte("raw-bytes")
			contentType = "image/png"
		})

		JustBeforeEach(func() {
			result, err = recognizer.Recognize(context.Background(), data, contentType)
		})

		It("returns the engine result", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Text).To(Equal("Shop\nTotal 1.00"))
			Expect(result.Confidence).To(Equal(75.0))
		})

		It("passes the default language", func() {
			Expect(engine.lastLang).To(Equal(DefaultLanguage))
		})

		When("preprocessing cannot decode the image", func() {
			It("falls back to the original bytes", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(engine.lastInput).To(Equal([]byte("raw-bytes")))
			})
		})

		When("preprocessing is disabled", func() {
			BeforeEach(func() {
				opts = []RecognizerOption{WithPreprocessing(false), WithLanguage("eng")}
			})

			It("hands PNG input over unchanged", func() {
				Expect(engine.lastInput).To(Equal([]byte("raw-bytes")))
			})

			It("uses the configured language", func() {
				Expect(engine.lastLang).To(Equal("eng"))
			})
		})

		When("the engine reports an out of range confidence", func() {
			BeforeEach(func() {
				engine.result.Confidence = 140
			})

			It("clamps it", func() {
				Expect(result.Confidence).To(Equal(100.0))
			})
		})

		When("the engine fails", func() {
			BeforeEach(func() {
				engine.err = errors.New("tesseract crashed")
			})

			It("returns ErrRecognition", func() {
				Expect(err).To(MatchError(ErrRecognition))
			})
		})

		When("the image is empty", func() {
			BeforeEach(func() {
				data = nil
			})

			It("returns ErrUnreadableImage without starting the engine", func() {
				Expect(err).To(MatchError(ErrUnreadableImage))
				Expect(calls.Load()).To(BeZero())
			})
		})
	})

	Describe("Close", func() {
		It("closes the engine and allows a restart", func() {
			Expect(recognizer.EnsureReady(context.Background())).To(Succeed())
			Expect(recognizer.Close()).To(Succeed())
			Expect(engine.closed).To(BeTrue())
			Expect(recognizer.Ready()).To(BeFalse())

			Expect(recognizer.EnsureReady(context.Background())).To(Succeed())
			Expect(calls.Load()).To(Equal(int32(2)))
		})

		It("is a no-op before the engine starts", func() {
			Expect(recognizer.Close()).To(Succeed())
		})

		It("waits for a running recognition", func() {
			Expect(recognizer.EnsureReady(context.Background())).To(Succeed())
			engine.block = make(chan struct{})

			recognized := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				_, err := recognizer.Recognize(context.Background(), []byte("raw-bytes"), "image/png")
				recognized <- err
			}()
			Eventually(engine.entered.Load).Should(BeTrue())

			closed := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				closed <- recognizer.Close()
			}()
			Consistently(closed, "100ms").ShouldNot(Receive())
			Expect(engine.isClosed()).To(BeFalse())

			close(engine.block)
			Eventually(recognized).Should(Receive(BeNil()))
			Eventually(closed).Should(Receive(BeNil()))
			Expect(engine.isClosed()).To(BeTrue())
		})

		When("the engine is still starting", func() {
			BeforeEach(func() {
				release = make(chan struct{})
			})

			It("discards the engine once it is ready", func() {
				started := make(chan error, 1)
				go func() {
					defer GinkgoRecover()
					started <- recognizer.EnsureReady(context.Background())
				}()
				Eventually(calls.Load).Should(Equal(int32(1)))

				Expect(recognizer.Close()).To(Succeed())
				close(release)

				var err error
				Eventually(started).Should(Receive(&err))
				Expect(err).To(MatchError(ErrEngineInit))
				Expect(engine.isClosed()).To(BeTrue())
				Expect(recognizer.Ready()).To(BeFalse())

				Expect(recognizer.EnsureReady(context.Background())).To(Succeed())
				Expect(recognizer.Ready()).To(BeTrue())
				Expect(calls.Load()).To(Equal(int32(2)))
			})
		})
	})
})

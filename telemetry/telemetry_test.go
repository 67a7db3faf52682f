package telemetry_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/stdr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/sarchlab/cosim/loop"
	"github.com/sarchlab/cosim/sico"
	"github.com/sarchlab/cosim/sico/simtest"
	"github.com/sarchlab/cosim/telemetry"
	"github.com/sarchlab/cosim/vtime"
)

var _ = Describe("Telemetry", func() {
	Describe("NewLogger", func() {
		It("should honor the verbosity", func() {
			log := telemetry.NewLogger(1)
			DeferCleanup(func() { stdr.SetVerbosity(0) })

			Expect(log.V(1).Enabled()).To(BeTrue())
			Expect(log.V(2).Enabled()).To(BeFalse())
		})
	})

	Describe("Setup", func() {
		It("should do nothing when disabled", func() {
			shutdown, err := telemetry.Setup(context.Background(), "cosim-test", false, "http://192.0.2.1:4318")
			Expect(err).NotTo(HaveOccurred())
			Expect(shutdown(context.Background())).To(Succeed())
		})

		It("should install a provider when enabled", func() {
			prev := otel.GetTracerProvider()
			DeferCleanup(otel.SetTracerProvider, prev)

			// Non-routable, nothing is exported.
			shutdown, err := telemetry.Setup(context.Background(), "cosim-test", true, "http://192.0.2.1:4318")
			Expect(err).NotTo(HaveOccurred())
			Expect(otel.GetTracerProvider()).NotTo(BeIdenticalTo(prev))
			Expect(shutdown(context.Background())).To(Succeed())
		})
	})

	Describe("break spans", func() {
		var recorder *tracetest.SpanRecorder

		BeforeEach(func() {
			prev := otel.GetTracerProvider()
			recorder = tracetest.NewSpanRecorder()
			otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
			DeferCleanup(otel.SetTracerProvider, prev)
		})

		It("should record one span per break", func() {
			dir, err := os.MkdirTemp("", "telemetry")
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(os.RemoveAll, dir)
			path := filepath.Join(dir, "sim.sock")

			sim, err := simtest.Listen(path, simtest.WithLogger(GinkgoLogr), simtest.WithStep(vtime.MustParse("10u")))
			Expect(err).NotTo(HaveOccurred())
			ctx, cancel := context.WithCancel(context.Background())
			served := make(chan error, 1)
			go func() { served <- sim.Serve(ctx) }()
			DeferCleanup(func() {
				cancel()
				Eventually(served, 2*time.Second).Should(Receive(BeNil()))
			})

			host := loop.New(loop.Options{Logger: GinkgoLogr})
			DeferCleanup(host.Stop)
			ctrl := sico.NewControl(host, sico.NewConnection(host, path, sico.WithReconnectDelay(10*time.Millisecond)))

			b := ctrl.SetFinish(vtime.MustParse("50u"), true)
			_, err = b.GetStopped(5 * time.Second)
			Expect(err).NotTo(HaveOccurred())

			var names []string
			Eventually(func() []string {
				names = nil
				for _, s := range recorder.Ended() {
					names = append(names, s.Name())
				}
				return names
			}).Should(ContainElement("break.finish"))

			span := recorder.Ended()[0]
			var events []string
			for _, e := range span.Events() {
				events = append(events, e.Name)
			}
			Expect(events).To(ContainElement("hit"))
		})
	})
})

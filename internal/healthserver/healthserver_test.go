package healthserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
)

func TestHealthServer(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "HealthServer Suite")
}

type fakePinger struct{ err error }

func (f fakePinger) PingContext(ctx context.Context) error { return f.err }

var _ = Describe("Server", func() {
	It("serves 200 OK on /healthz when the db pings clean", func() {
		s := New(":19090", fakePinger{}, zap.NewNop())
		s.StartAsync()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.Stop(ctx)
		}()
		time.Sleep(200 * time.Millisecond)

		resp, err := http.Get("http://localhost:19090/healthz")
		Expect(err).ToNot(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		body, err := io.ReadAll(resp.Body)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(body)).To(Equal("OK"))
	})

	It("serves 503 on /healthz when the db ping fails", func() {
		s := New(":19091", fakePinger{err: errors.New("connection refused")}, zap.NewNop())
		s.StartAsync()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.Stop(ctx)
		}()
		time.Sleep(200 * time.Millisecond)

		resp, err := http.Get("http://localhost:19091/healthz")
		Expect(err).ToNot(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
	})

	It("serves Prometheus exposition format on /metrics", func() {
		s := New(":19092", nil, zap.NewNop())
		s.StartAsync()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.Stop(ctx)
		}()
		time.Sleep(200 * time.Millisecond)

		resp, err := http.Get("http://localhost:19092/metrics")
		Expect(err).ToNot(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		body, err := io.ReadAll(resp.Body)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(body)).To(ContainSubstring("# HELP"))
	})
})

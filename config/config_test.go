package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bagoltermann/momentum-trader-charting/config"
)

var _ = Describe("Config", func() {
	var (
		tempDir string
		origDir string
	)

	writeFile := func(name, content string) {
		err := os.WriteFile(filepath.Join(tempDir, name), []byte(content), 0644)
		Expect(err).NotTo(HaveOccurred())
	}

	BeforeEach(func() {
		var err error
		origDir, err = os.Getwd()
		Expect(err).NotTo(HaveOccurred())

		tempDir, err = os.MkdirTemp("", "config-test-*")
		Expect(err).NotTo(HaveOccurred())
		Expect(os.Chdir(tempDir)).To(Succeed())
	})

	AfterEach(func() {
		Expect(os.Chdir(origDir)).To(Succeed())
		os.RemoveAll(tempDir)
		os.Unsetenv("RELAY_PEER_URL")
		os.Unsetenv("BREAKER_FAILURE_THRESHOLD")
		os.Unsetenv("UPSTREAM_TOKEN_FILE")
	})

	Describe("Load", func() {
		Context("with valid config file", func() {
			BeforeEach(func() {
				writeFile("config.yaml", `
server:
  address: ":9090"
  environment: "prod"

logging:
  level: "debug"

upstream:
  token_file: "/var/lib/trader/tokens.json"

breaker:
  failure_threshold: 5
  cooldown: "2m"

cache:
  candle_ttl: "30s"

executor:
  workers: 8
  admission_capacity: 4
  completion: "notify"

relay:
  peer_url: "ws://127.0.0.1:9000/ws/quotes"
  overflow: "drop_newest"
`)
			})

			It("should load configuration successfully", func() {
				cfg, err := config.Load()
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Server.Address).To(Equal(":9090"))
				Expect(cfg.Server.Environment).To(Equal(config.EnvProd))
				Expect(cfg.Logging.Level).To(Equal(config.LogLevelDebug))
				Expect(cfg.Upstream.TokenFile).To(Equal("/var/lib/trader/tokens.json"))
			})

			It("should parse durations", func() {
				cfg, err := config.Load()
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Breaker.FailureThreshold).To(Equal(5))
				Expect(cfg.Breaker.Cooldown).To(Equal(2 * time.Minute))
				Expect(cfg.Cache.CandleTTL).To(Equal(30 * time.Second))
			})

			It("should keep defaults for keys the file leaves out", func() {
				cfg, err := config.Load()
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Cache.QuoteTTL).To(Equal(5 * time.Second))
				Expect(cfg.Executor.Completion).To(Equal("notify"))
				Expect(cfg.Executor.CallDeadline).To(Equal(15 * time.Second))
				Expect(cfg.Relay.Overflow).To(Equal("drop_newest"))
			})

			It("should let environment variables override the file", func() {
				os.Setenv("BREAKER_FAILURE_THRESHOLD", "7")
				cfg, err := config.Load()
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Breaker.FailureThreshold).To(Equal(7))
			})
		})

		Context("with environment variables", func() {
			It("should use defaults when config file missing", func() {
				cfg, err := config.Load()
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Breaker.FailureThreshold).To(Equal(3))
				Expect(cfg.Breaker.Cooldown).To(Equal(60 * time.Second))
				Expect(cfg.Cache.CandleTTL).To(Equal(60 * time.Second))
				Expect(cfg.Executor.Workers).To(Equal(10))
				Expect(cfg.Executor.AdmissionCapacity).To(Equal(5))
				Expect(cfg.Executor.AdmissionTimeout).To(Equal(10 * time.Second))
				Expect(cfg.Executor.PollInterval).To(Equal(50 * time.Millisecond))
				Expect(cfg.Retry.MaxAttempts).To(Equal(3))
				Expect(cfg.Retry.BaseDelay).To(Equal(time.Second))
				Expect(cfg.Relay.ReconnectDelay).To(Equal(5 * time.Second))
				Expect(cfg.Relay.SpikeExpiry).To(Equal(30 * time.Second))
			})

			It("should read variables from a .env file", func() {
				writeFile(".env", "RELAY_PEER_URL=ws://10.0.0.5:8080/ws/quotes\n")
				cfg, err := config.Load()
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Relay.PeerURL).To(Equal("ws://10.0.0.5:8080/ws/quotes"))
			})

			It("should prefer the process environment over .env", func() {
				writeFile(".env", "UPSTREAM_TOKEN_FILE=/from/dotenv.json\n")
				os.Setenv("UPSTREAM_TOKEN_FILE", "/from/env.json")
				cfg, err := config.Load()
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Upstream.TokenFile).To(Equal("/from/env.json"))
			})
		})

		Context("with invalid values", func() {
			It("should reject an unknown environment", func() {
				writeFile("config.yaml", "server:\n  environment: \"qa\"\n")
				_, err := config.Load()
				Expect(err).To(HaveOccurred())
			})

			It("should reject a non-websocket peer url", func() {
				writeFile("config.yaml", "relay:\n  peer_url: \"http://127.0.0.1:8080\"\n")
				_, err := config.Load()
				Expect(err).To(HaveOccurred())
			})

			It("should reject malformed durations", func() {
				writeFile("config.yaml", "breaker:\n  cooldown: \"soon\"\n")
				_, err := config.Load()
				Expect(err).To(HaveOccurred())
			})
		})
	})

	Describe("Validate", func() {
		var cfg *config.Config

		BeforeEach(func() {
			var err error
			cfg, err = config.Load()
			Expect(err).NotTo(HaveOccurred())
		})

		It("should accept the defaults", func() {
			Expect(cfg.Validate()).To(Succeed())
		})

		It("should require more workers than admission slots", func() {
			cfg.Executor.AdmissionCapacity = cfg.Executor.Workers + 1
			Expect(cfg.Validate()).NotTo(Succeed())
		})

		It("should reject a backoff cap below the base delay", func() {
			cfg.Retry.MaxBackoff = 500 * time.Millisecond
			Expect(cfg.Validate()).NotTo(Succeed())
		})

		It("should require a pong timeout longer than the ping interval", func() {
			cfg.Relay.PongTimeout = cfg.Relay.PingInterval
			Expect(cfg.Validate()).NotTo(Succeed())
		})

		It("should skip relay settings when the relay is disabled", func() {
			cfg.Relay.Enabled = false
			cfg.Relay.PeerURL = "not a url"
			Expect(cfg.Validate()).To(Succeed())
		})

		It("should not need a token file when a token is given", func() {
			cfg.Upstream.TokenFile = ""
			Expect(cfg.Validate()).NotTo(Succeed())

			cfg.Upstream.Token = "abc"
			Expect(cfg.Validate()).To(Succeed())
		})

		It("should reject zero durations", func() {
			cfg.Cache.QuoteTTL = 0
			Expect(cfg.Validate()).NotTo(Succeed())
		})
	})
})

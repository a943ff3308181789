package config_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tstockham96/engram/pkg/config"
)

var _ = Describe("Configer", func() {
	var dir string

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "engram-config-*")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() {
			_ = os.RemoveAll(dir)
		})
	})

	It("returns defaults when no file exists", func() {
		cfger, err := config.NewConfiger(dir)
		Expect(err).NotTo(HaveOccurred())

		cfg, err := cfger.LoadConfig()
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.API.Listen).To(Equal(":7437"))
		Expect(cfg.Embedding.Dimensions).To(Equal(uint(768)))
		Expect(cfg.Recall.Spread.Decay).To(Equal(0.6))
		Expect(cfg.Consolidation.MergeThreshold).To(Equal(0.85))
		Expect(cfg.Lifecycle.ArchiveThreshold).To(Equal(0.08))
	})

	It("round-trips set, save, and load", func() {
		cfger, err := config.NewConfiger(dir)
		Expect(err).NotTo(HaveOccurred())

		cfg, err := cfger.LoadConfig()
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Set("owner", "tester")).To(Succeed())
		Expect(cfg.Set("recall.spread.decay", "0.5")).To(Succeed())
		Expect(cfger.SaveConfig(cfg)).To(Succeed())

		reloaded, err := cfger.LoadConfig()
		Expect(err).NotTo(HaveOccurred())
		Expect(reloaded.Owner).To(Equal("tester"))
		Expect(reloaded.Recall.Spread.Decay).To(Equal(0.5))
	})

	It("rejects unknown keys", func() {
		cfg := config.NewDefaultConfig()
		Expect(cfg.Set("nope.nothing", "x")).NotTo(Succeed())
		_, err := cfg.Get("nope.nothing")
		Expect(err).To(HaveOccurred())
	})

	It("rejects out-of-range values", func() {
		cfg := config.NewDefaultConfig()
		Expect(cfg.Set("recall.spread.decay", "1.5")).NotTo(Succeed())
		Expect(cfg.Set("embedding.dimensions", "zero")).NotTo(Succeed())
		Expect(cfg.Set("consolidation.budget_ms", "-5")).NotTo(Succeed())
	})

	It("validates every advertised key", func() {
		cfg := config.NewDefaultConfig()
		for _, key := range config.ValidConfigKeys() {
			Expect(config.IsValidConfigKey(key)).To(BeTrue())
			_, err := cfg.Get(key)
			Expect(err).NotTo(HaveOccurred(), key)
		}
	})
})

var _ = Describe("InitViper", func() {
	var dir string

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "engram-viper-*")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() {
			_ = os.RemoveAll(dir)
		})
	})

	It("applies defaults with no file present", func() {
		v, err := config.InitViper(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(v.GetString("api.listen")).To(Equal(":7437"))
		Expect(v.GetInt("embedding.dimensions")).To(Equal(768))
	})

	It("lets the config file override defaults", func() {
		Expect(os.WriteFile(
			filepath.Join(dir, "config.toml"),
			[]byte("[api]\nlisten = \":9999\"\n"),
			0o644,
		)).To(Succeed())

		v, err := config.InitViper(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(v.GetString("api.listen")).To(Equal(":9999"))
	})

	It("lets the environment override the file", func() {
		Expect(os.Setenv("ENGRAM_API_LISTEN", ":4242")).To(Succeed())
		DeferCleanup(func() {
			_ = os.Unsetenv("ENGRAM_API_LISTEN")
		})

		v, err := config.InitViper(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(v.GetString("api.listen")).To(Equal(":4242"))
	})
})

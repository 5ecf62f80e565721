package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x86sim/config"
)

var _ = Describe("Config", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	It("should provide valid defaults", func() {
		c := config.Default()
		Expect(c.MemSize).To(Equal(uint32(16 << 20)))
		Expect(c.QuantumCycles).To(Equal(100000))
		Expect(time.Duration(c.IdleSleep)).To(Equal(10 * time.Millisecond))
		Expect(c.ConsolePort).To(Equal(uint16(0xE9)))
		Expect(c.StringFastPath).To(BeTrue())
		Expect(c.Validate()).To(Succeed())
	})

	It("should round-trip through a file", func() {
		c := config.Default()
		c.Images = []config.Image{{Path: "kernel.bin", Address: 0x100000}}
		c.Boot = config.DefaultBoot()
		c.Boot.Cmdline = "console=ttyS0"
		c.IdleSleep = config.Duration(time.Second)

		path := filepath.Join(dir, "machine.json")
		Expect(c.Save(path)).To(Succeed())

		loaded, err := config.Load(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded).To(Equal(c))
	})

	It("should keep defaults for fields missing from the file", func() {
		path := filepath.Join(dir, "partial.json")
		Expect(os.WriteFile(path, []byte(`{"mem_size": 1048576, "idle_sleep": "1ms"}`), 0644)).To(Succeed())

		c, err := config.Load(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(c.MemSize).To(Equal(uint32(1 << 20)))
		Expect(time.Duration(c.IdleSleep)).To(Equal(time.Millisecond))
		Expect(c.QuantumCycles).To(Equal(100000))
	})

	It("should report unreadable and malformed files", func() {
		_, err := config.Load(filepath.Join(dir, "missing.json"))
		Expect(err).To(MatchError(ContainSubstring("failed to read")))

		path := filepath.Join(dir, "bad.json")
		Expect(os.WriteFile(path, []byte(`{"idle_sleep": "soon"}`), 0644)).To(Succeed())
		_, err = config.Load(path)
		Expect(err).To(MatchError(ContainSubstring("failed to parse")))
	})

	DescribeTable("validation",
		func(mutate func(c *config.Config), msg string) {
			c := config.Default()
			mutate(c)
			Expect(c.Validate()).To(MatchError(ContainSubstring(msg)))
		},
		Entry("unaligned memory", func(c *config.Config) { c.MemSize = 1000 }, "mem_size"),
		Entry("empty quantum", func(c *config.Config) { c.QuantumCycles = 0 }, "quantum_cycles"),
		Entry("negative sleep", func(c *config.Config) { c.IdleSleep = -1 }, "idle_sleep"),
		Entry("image without path", func(c *config.Config) {
			c.Images = []config.Image{{Address: 0}}
		}, "path is required"),
		Entry("image outside memory", func(c *config.Config) {
			c.Images = []config.Image{{Path: "x", Address: 32 << 20}}
		}, "outside memory"),
		Entry("entry outside memory", func(c *config.Config) {
			c.Boot = &config.Boot{Entry: 32 << 20}
		}, "boot.entry"),
		Entry("command line past the end", func(c *config.Config) {
			c.Boot = &config.Boot{CmdlineAddr: c.MemSize - 2, Cmdline: "abc"}
		}, "boot.cmdline"),
	)

	It("should clone deeply", func() {
		c := config.Default()
		c.Images = []config.Image{{Path: "a", Address: 1}}
		c.Boot = config.DefaultBoot()

		clone := c.Clone()
		clone.Images[0].Path = "b"
		clone.Boot.Entry = 0

		Expect(c.Images[0].Path).To(Equal("a"))
		Expect(c.Boot.Entry).To(Equal(uint32(0x10000)))
	})
})

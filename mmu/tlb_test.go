package mmu_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x86sim/mmu"
)

var _ = Describe("TLB", func() {
	var tlb *mmu.TLB

	BeforeEach(func() {
		tlb = mmu.NewTLB()
	})

	It("should start empty", func() {
		_, ok := tlb.Lookup(0x1234, mmu.ReadSupervisor)
		Expect(ok).To(BeFalse())
		Expect(tlb.Resident()).To(BeZero())
	})

	It("should only fill the requested tables", func() {
		tlb.Install(0x5000, 0x9000, mmu.PermReadSupervisor|mmu.PermReadUser)

		phys, ok := tlb.Lookup(0x5ABC, mmu.ReadUser)
		Expect(ok).To(BeTrue())
		Expect(phys).To(Equal(uint32(0x9ABC)))

		_, ok = tlb.Lookup(0x5ABC, mmu.WriteSupervisor)
		Expect(ok).To(BeFalse())
	})

	It("should select tables by access kind", func() {
		Expect(mmu.AccessFor(false, false)).To(Equal(mmu.ReadSupervisor))
		Expect(mmu.AccessFor(true, false)).To(Equal(mmu.WriteSupervisor))
		Expect(mmu.AccessFor(false, true)).To(Equal(mmu.ReadUser))
		Expect(mmu.AccessFor(true, true)).To(Equal(mmu.WriteUser))
	})

	It("should evict the least recently used page of a full set", func() {
		// Pages 256 apart share a residency set.
		const stride = 256 * mmu.PageSize
		for i := uint32(0); i < 8; i++ {
			tlb.Install(i*stride, i*mmu.PageSize, mmu.PermAll)
		}
		Expect(tlb.Resident()).To(Equal(8))

		// Touch page 0 so page 1 becomes the victim.
		tlb.Install(0, 0, mmu.PermAll)
		tlb.Install(8*stride, 0x100000, mmu.PermAll)

		Expect(tlb.Stats().Evictions).To(Equal(uint64(1)))
		Expect(tlb.Resident()).To(Equal(8))

		_, ok := tlb.Lookup(stride, mmu.ReadSupervisor)
		Expect(ok).To(BeFalse())
		_, ok = tlb.Lookup(0, mmu.ReadSupervisor)
		Expect(ok).To(BeTrue())
	})

	It("should never hold more than Capacity pages", func() {
		for i := uint32(0); i < mmu.Capacity+100; i++ {
			tlb.Install(i*mmu.PageSize, 0, mmu.PermAll)
		}
		Expect(tlb.Resident()).To(Equal(mmu.Capacity))
		Expect(tlb.Stats().Evictions).To(Equal(uint64(100)))
	})

	It("should flush every populated page", func() {
		tlb.Install(0x1000, 0x1000, mmu.PermAll)
		tlb.Install(0xFFFFF000, 0x2000, mmu.PermAll)

		tlb.Flush()

		_, ok := tlb.Lookup(0x1000, mmu.ReadSupervisor)
		Expect(ok).To(BeFalse())
		_, ok = tlb.Lookup(0xFFFFF000, mmu.WriteUser)
		Expect(ok).To(BeFalse())
		Expect(tlb.Resident()).To(BeZero())
	})

	It("should flush a single page", func() {
		tlb.Install(0x1000, 0x1000, mmu.PermAll)
		tlb.Install(0x2000, 0x2000, mmu.PermAll)

		tlb.FlushPage(0x1FFF)

		_, ok := tlb.Lookup(0x1000, mmu.ReadSupervisor)
		Expect(ok).To(BeFalse())
		_, ok = tlb.Lookup(0x2000, mmu.ReadSupervisor)
		Expect(ok).To(BeTrue())
		Expect(tlb.Resident()).To(Equal(1))
	})
})

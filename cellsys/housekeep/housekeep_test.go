package housekeep_test

import (
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/cellhost/substrate/cellsys/housekeep"
)

var _ = Describe("Housekeeper", func() {
	var hk *housekeep.Housekeeper

	BeforeEach(func() {
		hk = housekeep.New()
		go hk.Run()
		hk.WaitStarted()
	})

	AfterEach(func() {
		hk.Stop()
	})

	It("invokes a registered cleanup on its interval", func() {
		var calls atomic.Int32
		hk.Reg("probe", func() time.Duration {
			calls.Add(1)
			return 0
		}, 10*time.Millisecond)

		Eventually(func() int32 { return calls.Load() }, time.Second, 5*time.Millisecond).Should(BeNumerically(">=", 3))
	})

	It("stops invoking a cleanup once unregistered", func() {
		var calls atomic.Int32
		hk.Reg("transient", func() time.Duration {
			calls.Add(1)
			return 0
		}, 10*time.Millisecond)

		Eventually(func() int32 { return calls.Load() }, time.Second, 5*time.Millisecond).Should(BeNumerically(">=", 1))
		hk.Unreg("transient")
		after := calls.Load()
		time.Sleep(50 * time.Millisecond)
		Expect(calls.Load()).To(BeNumerically("<=", after+1), "at most one in-flight call may land after Unreg")
	})

	It("honors a cleanup's returned override of its next delay", func() {
		var calls atomic.Int32
		start := time.Now()
		hk.Reg("override", func() time.Duration {
			calls.Add(1)
			if calls.Load() == 1 {
				return time.Hour // push the second call far into the future
			}
			return 0
		}, time.Millisecond)

		Eventually(func() int32 { return calls.Load() }, time.Second, 2*time.Millisecond).Should(Equal(int32(1)))
		Consistently(func() int32 { return calls.Load() }, 100*time.Millisecond, 10*time.Millisecond).Should(Equal(int32(1)))
		_ = start
	})
})

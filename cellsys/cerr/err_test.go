package cerr_test

import (
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"

	"github.com/cellhost/substrate/cellsys/cerr"
)

var _ = Describe("CellError", func() {
	Describe("wire code round trip", func() {
		DescribeTable("every closed-taxonomy kind decodes back from its own code",
			func(k cerr.Kind) {
				decoded, ok := cerr.FromCode(k.Code())
				Expect(ok).To(BeTrue())
				Expect(decoded).To(Equal(k))
			},
			Entry("ConnectionRefused", cerr.ConnectionRefused),
			Entry("ConnectionReset", cerr.ConnectionReset),
			Entry("Timeout", cerr.Timeout),
			Entry("AccessDenied", cerr.AccessDenied),
			Entry("CapabilityMissing", cerr.CapabilityMissing),
			Entry("IoError", cerr.IoError),
			Entry("CircuitBreakerOpen", cerr.CircuitBreakerOpen),
			Entry("InvalidHeader", cerr.InvalidHeader),
			Entry("SerializationFailure", cerr.SerializationFailure),
			Entry("Corruption", cerr.Corruption),
			Entry("ProtocolMismatch", cerr.ProtocolMismatch),
		)

		It("rejects an unrecognized code", func() {
			_, ok := cerr.FromCode(9999)
			Expect(ok).To(BeFalse())
		})
	})

	Describe("retry policy", func() {
		DescribeTable("only transient kinds are retriable",
			func(k cerr.Kind, want bool) {
				Expect(k.Retriable()).To(Equal(want))
			},
			Entry("ConnectionRefused retries", cerr.ConnectionRefused, true),
			Entry("ConnectionReset retries", cerr.ConnectionReset, true),
			Entry("Timeout retries", cerr.Timeout, true),
			Entry("AccessDenied does not retry", cerr.AccessDenied, false),
			Entry("Corruption does not retry", cerr.Corruption, false),
		)
	})

	Describe("New and Wrap", func() {
		It("formats a message without a cause", func() {
			err := cerr.New(cerr.Timeout, "waited %dms", 50)
			Expect(err.Error()).To(ContainSubstring("Timeout"))
			Expect(err.Error()).To(ContainSubstring("102"))
			Expect(err.Error()).To(ContainSubstring("waited 50ms"))
		})

		It("includes the wrapped cause's message", func() {
			cause := errors.New("connection reset by peer")
			err := cerr.Wrap(cerr.ConnectionReset, cause, "dialing %s", "cell-a")
			Expect(err.Error()).To(ContainSubstring("dialing cell-a"))
			Expect(err.Error()).To(ContainSubstring("connection reset by peer"))
			Expect(errors.Unwrap(err)).To(Equal(cause))
		})
	})

	Describe("As and KindOf", func() {
		It("recognizes a *CellError through errors.As, including when wrapped", func() {
			inner := cerr.New(cerr.AccessDenied, "key not verified")
			outer := errors.Join(errors.New("context"), inner)
			found, ok := cerr.As(outer)
			Expect(ok).To(BeTrue())
			Expect(found.Kind).To(Equal(cerr.AccessDenied))
		})

		It("treats a non-CellError as IoError", func() {
			Expect(cerr.KindOf(errors.New("plain"))).To(Equal(cerr.IoError))
		})

		It("extracts the Kind of a CellError directly", func() {
			Expect(cerr.KindOf(cerr.New(cerr.Corruption, "bad frame"))).To(Equal(cerr.Corruption))
		})
	})

	Describe("Errs aggregation", func() {
		It("deduplicates by message", func() {
			var errs cerr.Errs
			for i := 0; i < 10; i++ {
				errs.Add(errors.New("boom"))
			}
			errs.Add(errors.New("different"))
			Expect(errs.Cnt()).To(Equal(2))
		})

		It("joins into a single error only when non-empty", func() {
			var empty cerr.Errs
			Expect(empty.JoinErr()).To(BeNil())

			var errs cerr.Errs
			errs.Add(errors.New("one"))
			errs.Add(errors.New("two"))
			Expect(errs.JoinErr()).NotTo(BeNil())
			Expect(errs.JoinErr().Error()).To(ContainSubstring("one"))
			Expect(errs.JoinErr().Error()).To(ContainSubstring("two"))
		})
	})
})

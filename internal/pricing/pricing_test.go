package pricing

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestPricing(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Pricing Suite")
}

var _ = Describe("Calculate", func() {
	var (
		modelID      string
		inputTokens  int
		outputTokens int
		cost         Cost
	)

	JustBeforeEach(func() {
		cost = Calculate(modelID, inputTokens, outputTokens)
	})

	When("the model is in the price table", func() {
		BeforeEach(func() {
			modelID = "accounts/fireworks/models/qwen3-vl-30b-a3b-instruct"
			inputTokens = 1_000_000
			outputTokens = 1_000_000
		})

		It("should price input tokens", func() {
			Expect(cost.InputCost).To(Equal(0.15))
		})

		It("should price output tokens", func() {
			Expect(cost.OutputCost).To(Equal(0.60))
		})

		It("should sum the total", func() {
			Expect(cost.TotalCost).To(Equal(0.75))
		})

		It("should report the per-million rates", func() {
			Expect(cost.InputPricePerMillion).To(Equal(0.15))
			Expect(cost.OutputPricePerMillion).To(Equal(0.60))
		})
	})

	When("the token counts are small", func() {
		BeforeEach(func() {
			modelID = "accounts/fireworks/models/qwen3-vl-30b-a3b-instruct"
			inputTokens = 1200
			outputTokens = 300
		})

		It("should compute fractional costs without float drift", func() {
			Expect(cost.InputCost).To(Equal(0.00018))
			Expect(cost.OutputCost).To(Equal(0.00018))
			Expect(cost.TotalCost).To(Equal(0.00036))
		})
	})

	When("the model is unknown", func() {
		BeforeEach(func() {
			modelID = "some/other-model"
			inputTokens = 2_000_000
			outputTokens = 500_000
		})

		It("should fall back to the default rate", func() {
			Expect(cost.InputPricePerMillion).To(Equal(1.0))
			Expect(cost.OutputPricePerMillion).To(Equal(1.0))
			Expect(cost.InputCost).To(Equal(2.0))
			Expect(cost.OutputCost).To(Equal(0.5))
			Expect(cost.TotalCost).To(Equal(2.5))
		})

		It("should not be reported as known", func() {
			Expect(Known(modelID)).To(BeFalse())
		})
	})

	When("no tokens were used", func() {
		BeforeEach(func() {
			modelID = "gemini-2.5-flash"
			inputTokens = 0
			outputTokens = 0
		})

		It("should cost nothing", func() {
			Expect(cost.TotalCost).To(BeZero())
		})
	})
})

package scanning

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Parser", func() {
	var (
		parser     *Parser
		rawText    string
		confidence float64
		data       ReceiptData
	)

	BeforeEach(func() {
		parser = NewParser()
		confidence = 82
	})

	JustBeforeEach(func() {
		data = parser.Parse(rawText, confidence)
	})

	When("parsing a Bulgarian receipt", func() {
		BeforeEach(func() {
			rawText = "Кафе Централ\n" +
				"ул. Витоша 12\n" +
				"2 x Кафе 5,00\n" +
				"Кроасан 3,50\n" +
				"ВСИЧКО: 12,50 лв\n" +
				"15.03.2024 14:30\n"
		})

		It("keeps the raw text and confidence", func() {
			Expect(data.RawText).To(Equal(rawText))
			Expect(data.Confidence).To(Equal(82.0))
		})

		It("extracts the total", func() {
			Expect(data.TotalAmount).NotTo(BeNil())
			Expect(*data.TotalAmount).To(Equal(12.5))
		})

		It("extracts the date as printed", func() {
			Expect(data.Date).To(Equal("15.03.2024"))
		})

		It("uses the first line as the merchant", func() {
			Expect(data.MerchantName).To(Equal("Кафе Централ"))
		})

		It("extracts the line items", func() {
			Expect(data.Items).To(HaveLen(2))
			Expect(data.Items[0].Name).To(Equal("Кафе"))
			Expect(*data.Items[0].Price).To(Equal(5.0))
			Expect(*data.Items[0].Quantity).To(Equal(2))
			Expect(data.Items[1].Name).To(Equal("Кроасан"))
			Expect(data.Items[1].Quantity).To(BeNil())
		})

		It("does not capture the total as an item", func() {
			for _, item := range data.Items {
				Expect(item.Name).NotTo(ContainSubstring("ВСИЧКО"))
			}
		})
	})

	When("the receipt has a subtotal before the total", func() {
		BeforeEach(func() {
			rawText = "Corner Shop\nSubtotal 10.00\nTotal 12.00\n"
		})

		It("picks the total line", func() {
			Expect(*data.TotalAmount).To(Equal(12.0))
		})
	})

	When("the total is only marked by a currency", func() {
		BeforeEach(func() {
			rawText = "Shop\nAmount 15,20 BGN\n"
		})

		It("falls back to the currency pattern", func() {
			Expect(*data.TotalAmount).To(Equal(15.2))
		})
	})

	When("the total is labelled as payable", func() {
		BeforeEach(func() {
			rawText = "Магазин\nза плащане: 7,80\n"
		})

		It("extracts the payable amount", func() {
			Expect(*data.TotalAmount).To(Equal(7.8))
		})
	})

	When("no total is present", func() {
		BeforeEach(func() {
			rawText = "Shop\nthank you\n"
		})

		It("leaves the total empty", func() {
			Expect(data.TotalAmount).To(BeNil())
		})
	})

	When("the date is year first", func() {
		BeforeEach(func() {
			rawText = "Shop\n2024-03-15\n"
		})

		It("does not match a day-first date inside it", func() {
			Expect(data.Date).To(Equal("2024-03-15"))
		})
	})

	When("the date uses a Bulgarian month name", func() {
		BeforeEach(func() {
			rawText = "Shop\nДата: 15 март 2024\n"
		})

		It("extracts the worded date", func() {
			Expect(data.Date).To(Equal("15 март 2024"))
		})
	})

	When("an item uses a Cyrillic multiplication sign", func() {
		BeforeEach(func() {
			rawText = "Shop\n3 х Вода 2,40\n"
		})

		It("reads the quantity", func() {
			Expect(data.Items).To(HaveLen(1))
			Expect(data.Items[0].Name).To(Equal("Вода"))
			Expect(*data.Items[0].Quantity).To(Equal(3))
		})
	})

	When("an item name contains a stopword inside a longer word", func() {
		BeforeEach(func() {
			rawText = "Bistro\nSummer salad 8.50\nResidue cleaner 3.20\nСумата на деня 2,00\nSubtotal 13.70\nTotal 13.70\n"
		})

		It("keeps the item", func() {
			names := make([]string, 0, len(data.Items))
			for _, item := range data.Items {
				names = append(names, item.Name)
			}
			Expect(names).To(Equal([]string{"Summer salad", "Residue cleaner", "Сумата на деня"}))
		})
	})

	DescribeTable("containsWord",
		func(s, word string, want bool) {
			Expect(containsWord(s, word)).To(Equal(want))
		},
		Entry(nil, "total", "total", true),
		Entry(nil, "total:", "total", true),
		Entry(nil, "sub-total", "total", true),
		Entry(nil, "subtotal", "total", false),
		Entry(nil, "summer salad", "sum", false),
		Entry(nil, "sum due", "sum", true),
		Entry(nil, "residue cleaner", "due", false),
		Entry(nil, "за плащане", "плащане", true),
		Entry(nil, "сумата", "сума", false),
		Entry(nil, "sumsum sum", "sum", true),
		Entry(nil, "anything", "", false),
	)

	When("an item name is too short", func() {
		BeforeEach(func() {
			rawText = "Shop\nAB 1,00\n"
		})

		It("skips it", func() {
			Expect(data.Items).To(BeEmpty())
		})
	})

	When("the text is empty", func() {
		BeforeEach(func() {
			rawText = ""
			confidence = 0
		})

		It("returns an empty result", func() {
			Expect(data.TotalAmount).To(BeNil())
			Expect(data.Date).To(BeEmpty())
			Expect(data.MerchantName).To(BeEmpty())
			Expect(data.Items).To(BeEmpty())
		})
	})

	When("a custom matcher is added", func() {
		BeforeEach(func() {
			parser.TotalMatchers = append([]Matcher{RegexpMatcher(`(?i)gesamt\s+(\d+[.,]\d{2})`)}, parser.TotalMatchers...)
			rawText = "Laden\nGESAMT 9,99\n"
		})

		It("uses it", func() {
			Expect(*data.TotalAmount).To(Equal(9.99))
		})
	})
})

var _ = Describe("ParseReceiptDate", func() {
	DescribeTable("valid dates",
		func(input string, expected time.Time) {
			t, err := ParseReceiptDate(input)
			Expect(err).NotTo(HaveOccurred())
			Expect(t).To(Equal(expected))
		},
		Entry("day first with dots", "15.03.2024", time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)),
		Entry("day first with slashes", "5/3/2024", time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)),
		Entry("two digit year", "15.03.24", time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)),
		Entry("year first", "2024-03-15", time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)),
		Entry("Bulgarian month", "15 март 2024", time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)),
		Entry("English month", "1 Dec. 2023", time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC)),
	)

	DescribeTable("invalid dates",
		func(input string) {
			_, err := ParseReceiptDate(input)
			Expect(err).To(HaveOccurred())
		},
		Entry("not a date", "yesterday"),
		Entry("impossible day", "31.02.2024"),
		Entry("unknown month", "15 foo 2024"),
		Entry("empty", ""),
	)
})

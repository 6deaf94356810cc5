package extraction

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("prepareImage", func() {
	var (
		data        []byte
		contentType string
		out         []byte
		mimeType    string
		err         error
	)

	JustBeforeEach(func() {
		out, mimeType, err = prepareImage(data, contentType)
	})

	When("the image is a JPEG", func() {
		BeforeEach(func() {
			data = []byte("jpeg-bytes")
			contentType = " Image/JPEG "
		})

		It("should pass the bytes through untouched", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal(data))
			Expect(mimeType).To(Equal("image/jpeg"))
		})
	})

	When("no content type is given", func() {
		BeforeEach(func() {
			data = []byte("bytes")
			contentType = ""
		})

		It("should assume JPEG", func() {
			Expect(mimeType).To(Equal(DefaultMimeType))
		})
	})

	When("the content type carries parameters", func() {
		BeforeEach(func() {
			data = []byte("bytes")
			contentType = "image/png; charset=binary"
		})

		It("should strip them", func() {
			Expect(mimeType).To(Equal("image/png"))
		})
	})

	When("the image claims to be HEIC but is corrupt", func() {
		BeforeEach(func() {
			data = []byte("not really heic")
			contentType = "image/heic"
		})

		It("should return a conversion error", func() {
			Expect(err).To(MatchError(ContainSubstring("converting HEIC")))
		})
	})

	When("the document is a corrupt PDF", func() {
		BeforeEach(func() {
			data = []byte("%PDF-garbage")
			contentType = "application/pdf"
		})

		It("should return a conversion error", func() {
			Expect(err).To(MatchError(ContainSubstring("converting PDF")))
		})
	})
})

var _ = Describe("isHEICFormat", func() {
	It("should detect the ftyp heic brand", func() {
		data := append([]byte{0, 0, 0, 0x18}, []byte("ftypheic0000")...)
		Expect(isHEICFormat(data)).To(BeTrue())
	})

	It("should reject short input", func() {
		Expect(isHEICFormat([]byte("ftyp"))).To(BeFalse())
	})

	It("should reject other brands", func() {
		data := append([]byte{0, 0, 0, 0x18}, []byte("ftypisom0000")...)
		Expect(isHEICFormat(data)).To(BeFalse())
	})
})

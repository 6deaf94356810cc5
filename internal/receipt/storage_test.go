package receipt

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalStorage", func() {
	var (
		tmpDir  string
		storage *LocalStorage
		ctx     context.Context
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		ctx = context.Background()
		var err error
		storage, err = NewLocalStorage(tmpDir)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Upload", func() {
		var (
			path      string
			data      []byte
			overwrite bool
			err       error
		)

		BeforeEach(func() {
			path = "user-1/receipt-1.jpg"
			data = []byte("test file content")
			overwrite = true
		})

		JustBeforeEach(func() {
			err = storage.Upload(ctx, path, data, "image/jpeg", overwrite)
		})

		When("uploading succeeds", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should create the owner directory and file", func() {
				Expect(filepath.Join(tmpDir, "user-1", "receipt-1.jpg")).To(BeAnExistingFile())
			})
		})

		When("the object exists and overwrite is allowed", func() {
			BeforeEach(func() {
				Expect(storage.Upload(ctx, path, []byte("old"), "image/jpeg", false)).To(Succeed())
			})

			It("should replace the contents", func() {
				Expect(err).NotTo(HaveOccurred())
				content, readErr := os.ReadFile(filepath.Join(tmpDir, "user-1", "receipt-1.jpg"))
				Expect(readErr).NotTo(HaveOccurred())
				Expect(content).To(Equal(data))
			})
		})

		When("the object exists and overwrite is not allowed", func() {
			BeforeEach(func() {
				overwrite = false
				Expect(storage.Upload(ctx, path, []byte("old"), "image/jpeg", true)).To(Succeed())
			})

			It("should return ErrObjectExists", func() {
				Expect(err).To(MatchError(ErrObjectExists))
			})
		})

		When("the path escapes the base directory", func() {
			BeforeEach(func() {
				path = "../outside.jpg"
			})

			It("should return an error", func() {
				Expect(err).To(HaveOccurred())
				Expect(filepath.Join(filepath.Dir(tmpDir), "outside.jpg")).NotTo(BeAnExistingFile())
			})
		})
	})

	Describe("Get", func() {
		When("the object exists", func() {
			BeforeEach(func() {
				Expect(storage.Upload(ctx, "user-1/a.png", []byte("png bytes"), "image/png", true)).To(Succeed())
			})

			It("should return its contents", func() {
				data, err := storage.Get(ctx, "user-1/a.png")
				Expect(err).NotTo(HaveOccurred())
				Expect(data).To(Equal([]byte("png bytes")))
			})
		})

		When("the object does not exist", func() {
			It("should return an error", func() {
				_, err := storage.Get(ctx, "user-1/missing.png")
				Expect(err).To(HaveOccurred())
			})
		})
	})
})

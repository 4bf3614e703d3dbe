package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/vn-invoice-extractor/internal/export"
	"github.com/zombor/vn-invoice-extractor/internal/invoice"
	"github.com/zombor/vn-invoice-extractor/internal/scanning"
)

type mockRunner struct {
	results []invoice.Result
	err     error

	files []invoice.File
	opts  invoice.Options
	calls int
	onRun func(opts invoice.Options)
}

func (m *mockRunner) Run(ctx context.Context, session *invoice.BatchSession, files []invoice.File, opts invoice.Options) error {
	m.calls++
	m.files = files
	m.opts = opts
	if m.onRun != nil {
		m.onRun(opts)
	}
	if m.err != nil {
		return m.err
	}
	session.Results = append(session.Results, m.results...)
	session.Complete = true
	return nil
}

type mockWriter struct {
	data []byte
	err  error

	records  []invoice.Record
	template []byte
}

func (m *mockWriter) Write(records []invoice.Record, template []byte) ([]byte, error) {
	m.records = records
	m.template = template
	if m.err != nil {
		return nil, m.err
	}
	return m.data, nil
}

var anyPath = regexp.MustCompile(".*")

func pagePNG(w, h int) []byte {
	var buf bytes.Buffer
	Expect(png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h)))).To(Succeed())
	return buf.Bytes()
}

func multipartBody(fields map[string]string, fileField string, files map[string][]byte) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for name, content := range files {
		part, err := writer.CreateFormFile(fileField, name)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(content)
		Expect(err).NotTo(HaveOccurred())
	}
	for k, v := range fields {
		Expect(writer.WriteField(k, v)).To(Succeed())
	}
	Expect(writer.Close()).To(Succeed())
	return body, writer.FormDataContentType()
}

func decodeError(resp *http.Response) string {
	var body map[string]string
	Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
	return body["error"]
}

var _ = Describe("Server", func() {
	var (
		runner      *mockRunner
		writer      *mockWriter
		cfg         Config
		server      *Server
		ghttpServer *ghttp.Server
	)

	okResult := invoice.Result{
		Filename: "a.pdf",
		Success:  true,
		Data: invoice.Record{
			"invoice_series":      "C25TDX",
			"invoice_number":      "94",
			"invoice_date":        "05/03/2025",
			"seller_name":         "Công ty A",
			"total_after_vat":     1100.0,
			invoice.ItemsField:    []any{map[string]any{"item_name": "Bút"}},
			invoice.WarningsField: []string{"Missing required field: buyer_name"},
		},
		Pages: []scanning.Page{{Number: 1, Width: 1000, Height: 500}},
	}
	failedResult := invoice.Result{Filename: "b.pdf", Error: "extraction service error: quota exceeded"}

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		server = NewServerWithMux(runner, writer, cfg, http.NewServeMux())
		server.now = func() time.Time { return time.Date(2025, 3, 5, 14, 30, 0, 0, time.UTC) }
		ghttpServer = ghttp.NewServer()
		ghttpServer.SetAllowUnhandledRequests(false)
		ghttpServer.RouteToHandler("GET", anyPath, server.ServeHTTP)
		ghttpServer.RouteToHandler("POST", anyPath, server.ServeHTTP)
		ghttpServer.RouteToHandler("DELETE", anyPath, server.ServeHTTP)
		ghttpServer.RouteToHandler("OPTIONS", anyPath, server.ServeHTTP)
	}

	storeSession := func(results ...invoice.Result) *invoice.BatchSession {
		s := invoice.NewBatchSession()
		s.Results = results
		s.Complete = true
		server.Sessions().Put(s)
		return s
	}

	BeforeEach(func() {
		okResult.Pages[0].PNG = pagePNG(1000, 500)
		runner = &mockRunner{results: []invoice.Result{okResult, failedResult}}
		writer = &mockWriter{data: []byte("xlsx-bytes")}
		cfg = Config{
			Scanner: scanning.Config{Provider: "gemini", APIKey: "server-key"},
			Delay:   500 * time.Millisecond,
		}
		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	Describe("handleIndex", func() {
		It("should return the HTML interface", func() {
			resp, err := http.Get(ghttpServer.URL() + "/")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring("Trích xuất hóa đơn GTGT"))
		})

		It("should serve the static assets", func() {
			resp, err := http.Get(ghttpServer.URL() + "/static/app.js")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(HavePrefix("application/javascript"))
		})

		It("should answer preflight requests with CORS headers", func() {
			req, err := http.NewRequest(http.MethodOptions, ghttpServer.URL()+"/api/batches", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	Describe("handleCreateBatch", func() {
		post := func(fields map[string]string, files map[string][]byte) *http.Response {
			body, contentType := multipartBody(fields, "files", files)
			resp, err := http.Post(ghttpServer.URL()+"/api/batches", contentType, body)
			Expect(err).NotTo(HaveOccurred())
			return resp
		}

		When("files are uploaded", func() {
			It("should return status Created with a summary", func() {
				resp := post(nil, map[string][]byte{"a.pdf": []byte("%PDF-1.4")})
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))

				var summary batchSummary
				Expect(json.NewDecoder(resp.Body).Decode(&summary)).To(Succeed())
				Expect(summary.Total).To(Equal(2))
				Expect(summary.Succeeded).To(Equal(1))
				Expect(summary.Failed).To(Equal(1))
				Expect(summary.Files[0].InvoiceNumber).To(Equal("C25TDX-94"))
				Expect(summary.Files[0].Items).To(Equal(1))
				Expect(summary.Files[0].Warnings).To(Equal(1))
				Expect(summary.Files[0].Pages).To(Equal(1))
				Expect(summary.Files[0].TotalAfterVAT).To(Equal(1100.0))
				Expect(summary.Files[1].Error).To(Equal("extraction service error: quota exceeded"))
			})

			It("should store the session", func() {
				resp := post(nil, map[string][]byte{"a.pdf": []byte("%PDF-1.4")})
				defer resp.Body.Close()
				var summary batchSummary
				Expect(json.NewDecoder(resp.Body).Decode(&summary)).To(Succeed())
				_, ok := server.Sessions().Get(summary.ID)
				Expect(ok).To(BeTrue())
			})

			It("should pass the server defaults to the runner", func() {
				resp := post(nil, map[string][]byte{"a.pdf": []byte("%PDF-1.4")})
				resp.Body.Close()
				Expect(runner.calls).To(Equal(1))
				Expect(runner.files).To(HaveLen(1))
				Expect(runner.files[0].Name).To(Equal("a.pdf"))
				Expect(runner.files[0].ContentType).To(Equal("application/pdf"))
				Expect(runner.opts.Scanner.APIKey).To(Equal("server-key"))
				Expect(runner.opts.Delay).To(Equal(500 * time.Millisecond))
				Expect(runner.opts.Progress).NotTo(BeNil())
			})

			It("should apply the api key and delay from the form", func() {
				resp := post(map[string]string{"api_key": "user-key", "delay": "1.5"},
					map[string][]byte{"a.pdf": []byte("%PDF-1.4")})
				resp.Body.Close()
				Expect(runner.opts.Scanner.APIKey).To(Equal("user-key"))
				Expect(runner.opts.Delay).To(Equal(1500 * time.Millisecond))
			})
		})

		When("the delay is out of range", func() {
			It("should return status Bad Request", func() {
				resp := post(map[string]string{"delay": "5"}, map[string][]byte{"a.pdf": []byte("%PDF")})
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(decodeError(resp)).To(ContainSubstring("delay must be between"))
				Expect(runner.calls).To(BeZero())
			})
		})

		When("no files are uploaded", func() {
			It("should return status Bad Request", func() {
				resp := post(map[string]string{"api_key": "k"}, nil)
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(decodeError(resp)).To(ContainSubstring("No files were selected"))
			})
		})

		When("the body is not multipart", func() {
			It("should return status Bad Request", func() {
				resp, err := http.Post(ghttpServer.URL()+"/api/batches", "application/json", bytes.NewBufferString("{}"))
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("the batch cannot start", func() {
			BeforeEach(func() {
				runner.err = errors.New("opening extractor: gemini api key is required")
			})

			It("should return status Bad Gateway and keep no session", func() {
				resp := post(nil, map[string][]byte{"a.pdf": []byte("%PDF")})
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
				Expect(decodeError(resp)).To(ContainSubstring("gemini api key is required"))
				Expect(server.Sessions().List()).To(BeEmpty())
			})
		})
	})

	Describe("handleProgress", func() {
		It("should report no running batch when idle", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/progress")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var status progressStatus
			Expect(json.NewDecoder(resp.Body).Decode(&status)).To(Succeed())
			Expect(status.Running).To(BeFalse())
		})

		It("should track the file being processed while a batch runs", func() {
			var before, during progressStatus
			runner.onRun = func(opts invoice.Options) {
				before = server.progress.snapshot()
				opts.Progress(2, 3, "b.pdf")
				during = server.progress.snapshot()
			}

			body, contentType := multipartBody(nil, "files", map[string][]byte{"a.pdf": []byte("%PDF")})
			resp, err := http.Post(ghttpServer.URL()+"/api/batches", contentType, body)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()

			Expect(before).To(Equal(progressStatus{Running: true, Total: 1}))
			Expect(during).To(Equal(progressStatus{Running: true, Current: 2, Total: 3, Filename: "b.pdf"}))
			Expect(server.progress.snapshot().Running).To(BeFalse())
		})
	})

	Describe("handleListBatches", func() {
		It("should return an empty array when nothing was processed", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/batches")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			var summaries []batchSummary
			Expect(json.NewDecoder(resp.Body).Decode(&summaries)).To(Succeed())
			Expect(summaries).To(BeEmpty())
		})

		It("should return stored batches", func() {
			storeSession(okResult)
			storeSession(failedResult)
			resp, err := http.Get(ghttpServer.URL() + "/api/batches")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
			var summaries []batchSummary
			Expect(json.NewDecoder(resp.Body).Decode(&summaries)).To(Succeed())
			Expect(summaries).To(HaveLen(2))
		})
	})

	Describe("handleGetBatch", func() {
		It("should return the batch summary", func() {
			s := storeSession(okResult, failedResult)
			resp, err := http.Get(ghttpServer.URL() + "/api/batches/" + s.ID)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var summary batchSummary
			Expect(json.NewDecoder(resp.Body).Decode(&summary)).To(Succeed())
			Expect(summary.ID).To(Equal(s.ID))
			Expect(summary.Files).To(HaveLen(2))
		})

		It("should return status Not Found for an unknown batch", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/batches/nope")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("handleGetResult", func() {
		It("should return the full data with warnings", func() {
			s := storeSession(okResult)
			resp, err := http.Get(ghttpServer.URL() + "/api/batches/" + s.ID + "/results/0")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var result map[string]any
			Expect(json.NewDecoder(resp.Body).Decode(&result)).To(Succeed())
			Expect(result["filename"]).To(Equal("a.pdf"))
			data := result["data"].(map[string]any)
			Expect(data["_validation_warnings"]).To(ConsistOf("Missing required field: buyer_name"))
		})

		It("should return status Not Found for an index out of range", func() {
			s := storeSession(okResult)
			resp, err := http.Get(ghttpServer.URL() + "/api/batches/" + s.ID + "/results/3")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("handlePagePreview", func() {
		var s *invoice.BatchSession

		BeforeEach(func() {
			s = storeSession(okResult)
		})

		It("should return a PNG scaled to the requested width", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/batches/" + s.ID + "/results/0/pages/1?width=200")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
			img, err := png.Decode(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(img.Bounds().Dx()).To(Equal(200))
			Expect(img.Bounds().Dy()).To(Equal(100))
		})

		It("should default to the preview width", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/batches/" + s.ID + "/results/0/pages/1")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			img, err := png.Decode(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(img.Bounds().Dx()).To(Equal(defaultPreviewWidth))
		})

		It("should return status Not Found for a missing page", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/batches/" + s.ID + "/results/0/pages/2")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should return status Bad Request for an invalid width", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/batches/" + s.ID + "/results/0/pages/1?width=abc")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("handleExport", func() {
		It("should return the workbook with a timestamped filename", func() {
			s := storeSession(okResult, failedResult)
			resp, err := http.Get(ghttpServer.URL() + "/api/batches/" + s.ID + "/export")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal(export.ContentType))
			Expect(resp.Header.Get("Content-Disposition")).To(Equal(`attachment; filename="invoices_batch_20250305_143000.xlsx"`))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(Equal("xlsx-bytes"))
		})

		It("should export only successful records with the series-prefixed number", func() {
			s := storeSession(okResult, failedResult)
			resp, err := http.Get(ghttpServer.URL() + "/api/batches/" + s.ID + "/export")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(writer.records).To(HaveLen(1))
			Expect(writer.records[0]["invoice_number"]).To(Equal("C25TDX-94"))
			Expect(writer.template).To(BeNil())
		})

		It("should pass an uploaded template to the writer", func() {
			s := storeSession(okResult)
			body, contentType := multipartBody(nil, "template", map[string][]byte{"t.xlsx": []byte("template")})
			resp, err := http.Post(ghttpServer.URL()+"/api/batches/"+s.ID+"/export", contentType, body)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(writer.template).To(Equal([]byte("template")))
		})

		It("should return status Conflict when nothing succeeded", func() {
			s := storeSession(failedResult)
			resp, err := http.Get(ghttpServer.URL() + "/api/batches/" + s.ID + "/export")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			Expect(decodeError(resp)).To(ContainSubstring("No successfully extracted invoices"))
		})

		It("should return status Unprocessable Entity when the writer fails", func() {
			writer.err = errors.New("opening template: not a zip")
			s := storeSession(okResult)
			resp, err := http.Get(ghttpServer.URL() + "/api/batches/" + s.ID + "/export")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
			Expect(decodeError(resp)).To(ContainSubstring("not a zip"))
		})
	})

	Describe("handleDeleteBatch", func() {
		It("should remove the batch", func() {
			s := storeSession(okResult)
			req, err := http.NewRequest(http.MethodDelete, ghttpServer.URL()+"/api/batches/"+s.ID, nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			_, ok := server.Sessions().Get(s.ID)
			Expect(ok).To(BeFalse())
		})

		It("should return status Not Found for an unknown batch", func() {
			req, err := http.NewRequest(http.MethodDelete, ghttpServer.URL()+"/api/batches/nope", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("parseDelay", func() {
		It("should accept the bounds", func() {
			Expect(parseDelay("0")).To(Equal(time.Duration(0)))
			Expect(parseDelay("2")).To(Equal(2 * time.Second))
		})

		It("should reject negative and non-numeric values", func() {
			_, err := parseDelay("-1")
			Expect(err).To(HaveOccurred())
			_, err = parseDelay("soon")
			Expect(err).To(HaveOccurred())
		})
	})
})

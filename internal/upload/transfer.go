package upload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const transferTimeout = 30 * time.Minute

// progressReader counts bytes as the transport consumes them.
type progressReader struct {
	r      io.Reader
	sent   int64
	total  int64
	report func(sent, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.report(p.sent, p.total)
	}
	return n, err
}

// transfer streams the file bytes to the ticket's single-use target with an
// HTTP PUT. Bytes-expected prefers the transport's accounting (the request
// content length) and falls back to the known file size. A non-2xx response
// is a hard failure for this attempt.
func transfer(ctx context.Context, client *http.Client, ticket Ticket, body io.Reader, size int64, report func(sent, total int64)) error {
	pr := &progressReader{r: body, total: size, report: report}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, ticket.UploadTargetURI, pr)
	if err != nil {
		return err
	}
	req.ContentLength = size
	if req.ContentLength > 0 {
		pr.total = req.ContentLength
	}
	if ticket.ContentType != "" {
		req.Header.Set("Content-Type", ticket.ContentType)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("transfer status: %d", resp.StatusCode)
	}
	return nil
}

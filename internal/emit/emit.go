// Package emit batches finished diagnostics and ships them to the ingest
// endpoint. Failed posts spool to disk and are retried on drain, so a dead
// collector costs retention, not results.
package emit

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/scamadvisory/mailrisk/internal/diag"
	"github.com/scamadvisory/mailrisk/internal/logging"
	"github.com/scamadvisory/mailrisk/internal/metrics"
)

// Batch is the wire unit posted to the ingest endpoint.
type Batch struct {
	Source  string        `json:"source"`
	RunID   string        `json:"run_id"`
	Results []diag.Result `json:"results"`
}

// Emitter accumulates results and flushes on size or timer. An empty
// ingest URL prints batches to stdout instead.
type Emitter struct {
	ingest     string
	source     string
	runID      string
	batchMax   int
	flushEvery time.Duration
	spoolDir   string
	client     *http.Client
	maxElapsed time.Duration
	mu         sync.Mutex
	acc        Batch
}

func NewEmitter(ingest, source, runID string, batchMax int, flushEvery time.Duration, spoolDir, mtlsCert, mtlsKey, mtlsCA string) *Emitter {
	tr := &http.Transport{TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12}}
	if mtlsCert != "" && mtlsKey != "" {
		cert, err := tls.LoadX509KeyPair(mtlsCert, mtlsKey)
		if err == nil {
			tr.TLSClientConfig.Certificates = []tls.Certificate{cert}
		}
	}
	if mtlsCA != "" {
		if pem, err := os.ReadFile(mtlsCA); err == nil {
			pool, err := x509.SystemCertPool()
			if err != nil || pool == nil {
				pool = x509.NewCertPool()
			}
			pool.AppendCertsFromPEM(pem)
			tr.TLSClientConfig.RootCAs = pool
		}
	}
	_ = os.MkdirAll(spoolDir, 0o755)
	return &Emitter{
		ingest: ingest, source: source, runID: runID,
		batchMax: batchMax, flushEvery: flushEvery, spoolDir: spoolDir,
		client:     &http.Client{Transport: tr, Timeout: 20 * time.Second},
		maxElapsed: 30 * time.Second,
		acc:        Batch{Source: source, RunID: runID},
	}
}

// Run consumes results until the channel closes or the context ends.
func (e *Emitter) Run(ctx context.Context, in <-chan diag.Result, log *logging.Logger) {
	t := time.NewTimer(e.flushEvery)
	for {
		select {
		case res, ok := <-in:
			if !ok {
				return
			}
			e.append(res)
			if e.size() >= e.batchMax {
				e.flush(log)
				if !t.Stop() {
					select {
					case <-t.C:
					default:
					}
				}
				t.Reset(e.flushEvery)
			}
		case <-t.C:
			e.flush(log)
			t.Reset(e.flushEvery)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Emitter) append(res diag.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acc.Results = append(e.acc.Results, res)
}

func (e *Emitter) size() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.acc.Results)
}

func (e *Emitter) flush(log *logging.Logger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.acc.Results) == 0 {
		return
	}
	if e.ingest == "" {
		_ = json.NewEncoder(os.Stdout).Encode(e.acc)
		metrics.FeedResults.WithLabelValues("stdout").Add(float64(len(e.acc.Results)))
	} else {
		if err := e.post(e.acc); err != nil {
			log.Warnw("ingest failed, spooling", "err", err, "results", len(e.acc.Results))
			metrics.FeedResults.WithLabelValues("spooled").Add(float64(len(e.acc.Results)))
			e.spool(e.acc, log)
		} else {
			metrics.FeedResults.WithLabelValues("sent").Add(float64(len(e.acc.Results)))
		}
	}
	e.acc = Batch{Source: e.source, RunID: e.runID}
}

func (e *Emitter) post(b Batch) error {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(b); err != nil {
		return err
	}
	op := func() error {
		req, err := http.NewRequest(http.MethodPost, e.ingest, bytes.NewReader(buf.Bytes()))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := e.client.Do(req)
		if err != nil {
			return err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("bad status: %d", resp.StatusCode)
		}
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = e.maxElapsed
	return backoff.Retry(op, bo)
}

func (e *Emitter) spool(b Batch, log *logging.Logger) {
	name := time.Now().UTC().Format("20060102T150405.000000000") + ".json"
	path := filepath.Join(e.spoolDir, name)
	f, err := os.Create(path)
	if err != nil {
		log.Errorw("spool create", "err", err)
		return
	}
	defer f.Close()
	_ = json.NewEncoder(f).Encode(b)
}

// Drain flushes the accumulator and retries every spooled batch once.
func (e *Emitter) Drain(log *logging.Logger) {
	e.flush(log)
	entries, _ := os.ReadDir(e.spoolDir)
	for _, ent := range entries {
		p := filepath.Join(e.spoolDir, ent.Name())
		f, err := os.Open(p)
		if err != nil {
			continue
		}
		var b Batch
		if err := json.NewDecoder(f).Decode(&b); err == nil {
			if e.ingest == "" || e.post(b) == nil {
				_ = f.Close()
				_ = os.Remove(p)
				continue
			}
		}
		_ = f.Close()
	}
}

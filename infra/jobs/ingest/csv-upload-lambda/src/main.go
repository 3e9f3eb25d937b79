// csv-upload-lambda ingests a seller CSV report posted through API Gateway. The
// request body is the report itself (base64 when the gateway flags it). The
// snapshot is mirrored to Redis when REDIS_ADDR is set and reconciled into the
// inventory table when PG_DSN is set.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"marketplace-listing-sync/config"
	"marketplace-listing-sync/inventory"
	"marketplace-listing-sync/listing"
	"marketplace-listing-sync/logging"
	"marketplace-listing-sync/pipeline"
	"marketplace-listing-sync/reconcile"
	"marketplace-listing-sync/snapshot"
)

type publisher interface {
	Publish(ctx context.Context, s snapshot.Snapshot) error
}

type uploadHandler struct {
	store        inventory.Store // nil: no reconcile
	mirror       publisher       // nil: no mirror
	defaultStore string
	auditCSV     string
	log          *zap.Logger
	now          func() time.Time
}

type reconcileResult struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

type uploadResponse struct {
	RunID       string           `json:"runId"`
	Store       string           `json:"store"`
	Items       int              `json:"items"`
	GeneratedAt time.Time        `json:"generatedAt"`
	Mirrored    bool             `json:"mirrored"`
	Reconcile   *reconcileResult `json:"reconcile,omitempty"`
}

type errorResponse struct {
	Error   string   `json:"error"`
	Class   string   `json:"class"`
	Missing []string `json:"missing,omitempty"`
}

func jsonResponse(code int, v any) events.APIGatewayProxyResponse {
	b, _ := json.Marshal(v)
	return events.APIGatewayProxyResponse{
		StatusCode: code,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(b),
	}
}

func errorResult(err error) events.APIGatewayProxyResponse {
	body := errorResponse{Error: err.Error(), Class: pipeline.Classify(err)}
	var ve *listing.ValidationError
	var ce *listing.ConfigurationError
	switch {
	case errors.As(err, &ve):
		return jsonResponse(http.StatusBadRequest, body)
	case errors.As(err, &ce):
		body.Missing = ce.Missing
	}
	return jsonResponse(http.StatusInternalServerError, body)
}

func requestBody(req events.APIGatewayProxyRequest) (string, error) {
	if !req.IsBase64Encoded {
		return req.Body, nil
	}
	b, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		return "", &listing.ValidationError{Source: "csv", Msg: "body is not valid base64"}
	}
	return string(b), nil
}

func (h *uploadHandler) handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	runID := uuid.NewString()
	store := strings.TrimSpace(req.QueryStringParameters["store"])
	if store == "" {
		store = h.defaultStore
	}
	log := h.log.With(zap.String("run_id", runID), zap.String("store", store))

	text, err := requestBody(req)
	if err != nil {
		return errorResult(err), nil
	}
	if strings.TrimSpace(text) == "" {
		return errorResult(&listing.ValidationError{Source: "csv", Msg: "file appears empty"}), nil
	}

	snap, results, err := pipeline.Ingest(ctx, store, []pipeline.Source{pipeline.CSVSource{Text: text}}, log, h.now())
	if err != nil {
		// one source: report its own error, not the aggregate
		if len(results) == 1 && results[0].Err != nil {
			err = results[0].Err
		}
		return errorResult(err), nil
	}

	resp := uploadResponse{RunID: runID, Store: store, Items: len(snap.Items), GeneratedAt: snap.GeneratedAt}
	if h.mirror != nil {
		if err := h.mirror.Publish(ctx, snap); err != nil {
			log.Warn("redis publish", zap.Error(err))
		} else {
			resp.Mirrored = true
		}
	}
	if h.store != nil {
		sum, err := reconcile.New(h.store, reconcile.Options{Log: log, Now: h.now}).RunAudited(ctx, snap, h.auditCSV, runID)
		if err != nil {
			log.Error("reconcile", zap.Error(err))
			return errorResult(err), nil
		}
		resp.Reconcile = &reconcileResult{
			Created:   sum.Created,
			Updated:   sum.Updated,
			Unchanged: sum.Unchanged,
			Skipped:   sum.Skipped,
			Failed:    len(sum.Failures),
		}
	}
	log.Info("upload processed", zap.Int("items", resp.Items), zap.Bool("mirrored", resp.Mirrored))
	return jsonResponse(http.StatusOK, resp), nil
}

func main() {
	if _, err := config.LoadDotEnv(); err != nil {
		panic(err)
	}
	log := logging.Must(config.Bool("JSON_LOGS", true), config.Bool("VERBOSE", false))
	defer func() { _ = log.Sync() }()
	ctx := context.Background()

	h := &uploadHandler{
		defaultStore: config.String("STORE_NAME", "default"),
		auditCSV:     config.String("AUDIT_CSV", ""),
		log:          log,
		now:          time.Now,
	}

	if dsn := config.String("PG_DSN", ""); dsn != "" {
		pool, err := inventory.OpenPool(ctx, dsn, config.Int("PG_MAX_CONNS", 2), config.Bool("PG_VIA_BOUNCER", false))
		if err != nil {
			log.Fatal("postgres", zap.Error(err))
		}
		defer pool.Close()
		pg, err := inventory.NewPGStore(pool, config.String("PG_SCHEMA", "public"), config.String("PG_TABLE", "inventory"))
		if err != nil {
			log.Fatal("configuration", zap.Error(err))
		}
		h.store = pg
		if config.Bool("DRY_RUN", false) {
			h.store = inventory.DryRun(pg, log)
		}
	}
	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		mirror, err := snapshot.NewRedisMirror(ctx, snapshot.RedisOptions{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       config.Int("REDIS_DB", 0),
		}, log)
		if err != nil {
			log.Fatal("redis", zap.Error(err))
		}
		defer mirror.Close()
		h.mirror = mirror
	}

	lambda.Start(h.handle)
}

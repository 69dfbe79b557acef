package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"

	openaicodec "github.com/polyrelay/polyrelay/internal/codec/openai"
	"github.com/polyrelay/polyrelay/internal/domain"
	"github.com/polyrelay/polyrelay/internal/relay"
)

// maxRequestBody caps request bodies at 32 MiB.
const maxRequestBody = 32 << 20

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		renderOpenAIError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	req, includeUsage, err := openaicodec.DecodeRequest(body)
	if err != nil {
		AddError(ctx, err)
		renderOpenAIError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.UserAgent = r.UserAgent()

	rt := RouteFromContext(ctx)
	resolved, ok := rt.Resolve(req.Model)
	if !ok {
		verr := &domain.ValidationError{
			Message: "model " + req.Model + " is not available on this key",
			Allowed: rt.AllowedNames(),
		}
		AddError(ctx, verr)
		renderOpenAIError(w, http.StatusBadRequest, verr.Error())
		return
	}
	AddLogField(ctx, "model", resolved)
	req.Model = resolved

	if err := s.opts.Enforcer.Check(ctx, rt.ID, resolved); err != nil {
		AddError(ctx, err)
		status, msg := statusForError(err)
		renderOpenAIError(w, status, msg)
		return
	}

	prov, err := s.opts.Dispatcher.Select(resolved)
	if err != nil {
		AddError(ctx, err)
		renderOpenAIError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	AddLogField(ctx, "provider", prov.Name())

	if !req.Stream {
		resp, err := relay.Do(ctx, s.opts.RetryOn429, s.logger, func() (*domain.ChatResponse, error) {
			return prov.Chat(ctx, req)
		})
		if err != nil {
			AddError(ctx, err)
			status, msg := statusForError(err)
			renderOpenAIError(w, status, msg)
			return
		}
		if resp.Usage.TotalTokens == 0 {
			resp.Usage = s.opts.Estimator.Estimate(req, resp)
		}

		data, err := openaicodec.EncodeResponse(resp)
		if err != nil {
			AddError(ctx, err)
			renderOpenAIError(w, http.StatusInternalServerError, "failed to encode response")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
		return
	}

	events, err := relay.Do(ctx, s.opts.RetryOn429, s.logger, func() (<-chan domain.StreamEvent, error) {
		return prov.ChatStream(ctx, req)
	})
	if err != nil {
		AddError(ctx, err)
		status, msg := statusForError(err)
		renderOpenAIError(w, status, msg)
		return
	}

	writer, err := relay.NewWriter(w)
	if err != nil {
		AddError(ctx, err)
		renderOpenAIError(w, http.StatusInternalServerError, err.Error())
		return
	}

	enc := openaicodec.NewStreamEncoder(resolved, includeUsage)
	pumpErr := relay.Pump(ctx, events, s.opts.HeartbeatInterval, func(ev domain.StreamEvent) error {
		payloads, err := enc.Encode(ev)
		if err != nil {
			return err
		}
		for _, p := range payloads {
			if err := writer.Data(p); err != nil {
				return err
			}
		}
		return nil
	}, func() error {
		return writer.Comment("heartbeat")
	})

	if pumpErr != nil {
		AddError(ctx, pumpErr)
		if errors.Is(pumpErr, context.Canceled) {
			// Client went away; nothing left to write.
			return
		}
		// Headers are gone, so the error travels in-band.
		_, msg := statusForError(pumpErr)
		writer.Data(openaicodec.EncodeError(msg, "api_error"))
	}
	writer.Done()
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rt := RouteFromContext(ctx)

	list := &domain.ModelList{Object: "list"}
	seen := make(map[string]bool)

	for _, prov := range s.opts.Dispatcher.Providers() {
		pl, err := prov.ListModels(ctx)
		if err != nil {
			AddError(ctx, err)
			continue
		}
		for _, m := range pl.Data {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			list.Data = append(list.Data, m)
		}
	}

	// Restricted keys only see their allow-list, with aliases presented as
	// first-class model names.
	if !rt.IsMaster() {
		allowed := make(map[string]bool, len(rt.Models))
		for _, m := range rt.Models {
			allowed[m] = true
		}
		filtered := list.Data[:0]
		for _, m := range list.Data {
			if allowed[m.ID] {
				filtered = append(filtered, m)
			}
		}
		for alias := range rt.ModelAliases {
			if !seen[alias] {
				filtered = append(filtered, domain.Model{ID: alias, Object: "model"})
			}
		}
		list.Data = filtered
	}

	sort.Slice(list.Data, func(i, j int) bool { return list.Data[i].ID < list.Data[j].ID })
	writeJSON(w, http.StatusOK, list)
}

func renderOpenAIError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(openaicodec.EncodeError(message, openAIErrorType(status)))
}

func openAIErrorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized, http.StatusForbidden:
		return "authentication_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	default:
		return "api_error"
	}
}

// statusForError maps gateway errors onto HTTP statuses shared by both
// frontdoors.
func statusForError(err error) (int, string) {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest, verr.Error()
	}
	var qerr *domain.QuotaError
	if errors.As(err, &qerr) {
		return http.StatusTooManyRequests, qerr.Error()
	}
	var rerr *domain.RateLimitError
	if errors.As(err, &rerr) {
		return http.StatusTooManyRequests, rerr.Error()
	}
	var aerr *domain.AuthError
	if errors.As(err, &aerr) {
		return http.StatusBadGateway, aerr.Error()
	}
	if errors.Is(err, domain.ErrNoProvider) {
		return http.StatusServiceUnavailable, err.Error()
	}
	return http.StatusInternalServerError, err.Error()
}

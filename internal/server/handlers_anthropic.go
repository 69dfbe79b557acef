package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	anthropiccodec "github.com/polyrelay/polyrelay/internal/codec/anthropic"
	"github.com/polyrelay/polyrelay/internal/domain"
	"github.com/polyrelay/polyrelay/internal/relay"
)

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		renderAnthropicError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	req, err := anthropiccodec.DecodeRequest(body)
	if err != nil {
		AddError(ctx, err)
		renderAnthropicError(w, http.StatusBadRequest, err.Error())
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
		renderAnthropicError(w, http.StatusBadRequest, verr.Error())
		return
	}
	AddLogField(ctx, "model", resolved)
	req.Model = resolved

	if err := s.opts.Enforcer.Check(ctx, rt.ID, resolved); err != nil {
		AddError(ctx, err)
		status, msg := statusForError(err)
		renderAnthropicError(w, status, msg)
		return
	}

	prov, err := s.opts.Dispatcher.Select(resolved)
	if err != nil {
		AddError(ctx, err)
		renderAnthropicError(w, http.StatusServiceUnavailable, err.Error())
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
			renderAnthropicError(w, status, msg)
			return
		}
		if resp.Usage.TotalTokens == 0 {
			resp.Usage = s.opts.Estimator.Estimate(req, resp)
		}

		data, err := anthropiccodec.EncodeResponse(resp)
		if err != nil {
			AddError(ctx, err)
			renderAnthropicError(w, http.StatusInternalServerError, "failed to encode response")
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
		renderAnthropicError(w, status, msg)
		return
	}

	writer, err := relay.NewWriter(w)
	if err != nil {
		AddError(ctx, err)
		renderAnthropicError(w, http.StatusInternalServerError, err.Error())
		return
	}

	enc := anthropiccodec.NewStreamEncoder(resolved, s.opts.PassReasoningSignature)
	pumpErr := relay.Pump(ctx, events, s.opts.HeartbeatInterval, func(ev domain.StreamEvent) error {
		frames, err := enc.Encode(ev)
		if err != nil {
			return err
		}
		for _, f := range frames {
			if err := writer.Event(f.Event, f.Data); err != nil {
				return err
			}
		}
		return nil
	}, func() error {
		ping, err := anthropiccodec.Ping()
		if err != nil {
			return err
		}
		return writer.Event(ping.Event, ping.Data)
	})

	if pumpErr != nil {
		AddError(ctx, pumpErr)
		if errors.Is(pumpErr, context.Canceled) {
			return
		}
		_, msg := statusForError(pumpErr)
		writer.Event("error", anthropiccodec.EncodeError(msg, "api_error"))
	}
}

func renderAnthropicError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(anthropiccodec.EncodeError(message, anthropicErrorType(status)))
}

func anthropicErrorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized, http.StatusForbidden:
		return "authentication_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

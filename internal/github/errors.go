package github

import (
	"context"
	"errors"
	"net"
	"net/http"

	gh "github.com/google/go-github/v68/github"

	"github.com/donaldgifford/stapsher/internal/apperr"
)

// classifyAPIError maps a go-github call failure onto the error taxonomy.
// notFound is the code reported for a 404, which means different things to
// different operations.
func classifyAPIError(op string, resp *gh.Response, err error, notFound apperr.Code) error {
	if err == nil {
		return nil
	}

	var (
		classified *apperr.Error
		rateErr    *gh.RateLimitError
		abuseErr   *gh.AbuseRateLimitError
	)

	switch {
	case errors.As(err, &classified):
		return err
	case errors.As(err, &rateErr), errors.As(err, &abuseErr):
		return apperr.New(apperr.RateLimited, op, err)
	case isTimeout(err):
		return apperr.WithStatus(apperr.NetworkError, http.StatusGatewayTimeout, op, err)
	}

	if resp == nil || resp.Response == nil {
		return apperr.New(apperr.NetworkError, op, err)
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return apperr.New(apperr.RateLimited, op, err)
	case http.StatusUnauthorized:
		return apperr.New(apperr.AuthFailed, op, err)
	case http.StatusNotFound:
		return apperr.New(notFound, op, err)
	default:
		return apperr.New(apperr.UpstreamError, op, err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}

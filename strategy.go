package tokenauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ggoodman/tokenauth/auth"
	"github.com/ggoodman/tokenauth/internal/jwtauth"
	"github.com/ggoodman/tokenauth/internal/remote"
)

// strategy runs the validators selected by the validation mode and folds
// their results into one auth.Outcome.
type strategy struct {
	mode          auth.ValidationMode
	local         *jwtauth.Validator
	remote        *remote.Validator
	nameClaimType string
	roleClaimType string
	log           *slog.Logger
}

func newStrategy(mode auth.ValidationMode, local *jwtauth.Validator, rv *remote.Validator, o auth.Options) (*strategy, error) {
	switch mode {
	case auth.ValidationModeLocal:
		if local == nil {
			return nil, fmt.Errorf("%w: local validation is not configured", auth.ErrConfiguration)
		}
	case auth.ValidationModeEndpoint:
		if rv == nil {
			return nil, fmt.Errorf("%w: remote validation is not configured", auth.ErrConfiguration)
		}
	case auth.ValidationModeBoth:
		if local == nil || rv == nil {
			return nil, fmt.Errorf("%w: both validators are required", auth.ErrConfiguration)
		}
	default:
		return nil, fmt.Errorf("%w: invalid validation mode %d", auth.ErrConfiguration, int(mode))
	}
	return &strategy{
		mode:          mode,
		local:         local,
		remote:        rv,
		nameClaimType: o.NameClaimType,
		roleClaimType: o.RoleClaimType,
		log:           o.Logger,
	}, nil
}

// authenticate validates tok. An empty token yields Unauthenticated with a
// nil error.
func (s *strategy) authenticate(ctx context.Context, tok string) auth.Outcome {
	if tok == "" {
		return auth.Unauthenticated(nil)
	}
	switch s.mode {
	case auth.ValidationModeLocal:
		return s.runLocal(ctx, tok)
	case auth.ValidationModeEndpoint:
		return s.runRemote(ctx, tok)
	}

	// Both: local first, remote only when local did not succeed.
	lo := s.runLocal(ctx, tok)
	if lo.OK() {
		return lo
	}
	ro := s.runRemote(ctx, tok)
	if ro.OK() {
		return ro
	}
	return auth.Unauthenticated(errors.Join(lo.Err(), ro.Err()))
}

func (s *strategy) runLocal(ctx context.Context, tok string) auth.Outcome {
	claims, err := s.local.Validate(ctx, tok)
	if err != nil {
		return auth.Unauthenticated(mapLocalError(err))
	}
	return auth.Success(auth.NewPrincipal(claims, auth.SourceJWT, s.nameClaimType, s.roleClaimType))
}

func (s *strategy) runRemote(ctx context.Context, tok string) auth.Outcome {
	claims, err := s.remote.Validate(ctx, tok)
	if err != nil {
		return auth.Unauthenticated(mapRemoteError(err))
	}
	src := auth.SourceValidationEndpoint
	if s.remote.Mode() == remote.ModeIntrospection {
		src = auth.SourceIntrospection
	}
	return auth.Success(auth.NewPrincipal(claims, src, s.nameClaimType, s.roleClaimType))
}

func mapLocalError(err error) error {
	if errors.Is(err, jwtauth.ErrTrustUnavailable) {
		return errors.Join(auth.ErrUnauthorized, auth.ErrTrustResolution, err)
	}
	return errors.Join(auth.ErrUnauthorized, auth.ErrTokenValidation, err)
}

func mapRemoteError(err error) error {
	if errors.Is(err, remote.ErrRemoteCall) {
		return errors.Join(auth.ErrUnauthorized, auth.ErrRemoteCall, err)
	}
	return errors.Join(auth.ErrUnauthorized, auth.ErrTokenValidation, err)
}

// Copyright (c) personaflow Authors.
// Licensed under the MIT License.

/*
Package types provides the types shared by every personaflow package.

types is the lowest layer: it imports no internal package, so task, sandbox,
delegation and collaboration can all agree on one error vocabulary without
import cycles.

# Errors

  - Error / ErrorCode: structured error with code, message, retryable flag and cause.
  - Sentinels (ErrInvalidTaskGraph, ErrIllegalTransition, ErrWorkerUnreachable, ...)
    match any *Error with the same code through errors.Is, so callers can wrap freely.
  - Helpers: GetErrorCode, IsErrorCode, IsRetryable.
*/
package types

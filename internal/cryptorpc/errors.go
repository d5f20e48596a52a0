package cryptorpc

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sessionkit/cryptolink/internal/crypto/domain"
)

// wireCodes is the set of error codes the crypto-service embeds as the first
// colon-delimited token of its status messages. When present it is more
// precise than the gRPC status code and wins the mapping.
var wireCodes = map[string]domain.ErrorCode{
	string(domain.CodeKeyNotFound):        domain.CodeKeyNotFound,
	string(domain.CodeKeyInvalidState):    domain.CodeKeyInvalidState,
	string(domain.CodeDecryptionFailed):   domain.CodeDecryptionFailed,
	string(domain.CodeAADMismatch):        domain.CodeAADMismatch,
	string(domain.CodeEncryptionFailed):   domain.CodeEncryptionFailed,
	string(domain.CodeSignatureInvalid):   domain.CodeSignatureInvalid,
	string(domain.CodeSigningFailed):      domain.CodeSigningFailed,
	string(domain.CodeInvalidArgument):    domain.CodeInvalidArgument,
	string(domain.CodeAuthFailed):         domain.CodeAuthFailed,
	string(domain.CodeOperationTimeout):   domain.CodeOperationTimeout,
	string(domain.CodeOperationFailed):    domain.CodeOperationFailed,
	string(domain.CodeServiceUnavailable): domain.CodeServiceUnavailable,
}

// mapRPCError converts a transport error into the crypto error taxonomy.
func mapRPCError(err error, operation, correlationID string) *domain.CryptoError {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewCryptoError(domain.CodeOperationTimeout, operation+" timed out", correlationID, err)
	}
	if errors.Is(err, context.Canceled) {
		return domain.NewCryptoError(domain.CodeOperationFailed, operation+" canceled", correlationID, err)
	}

	st, ok := status.FromError(err)
	if !ok {
		return domain.NewCryptoError(domain.CodeServiceUnavailable, operation+" failed", correlationID, err)
	}

	if token, _, found := strings.Cut(st.Message(), ":"); found || st.Message() != "" {
		if code, known := wireCodes[strings.TrimSpace(token)]; known {
			return domain.NewCryptoError(code, st.Message(), correlationID, err)
		}
	}

	var code domain.ErrorCode
	switch st.Code() {
	case codes.Unavailable:
		code = domain.CodeServiceUnavailable
	case codes.DeadlineExceeded:
		code = domain.CodeOperationTimeout
	case codes.Unauthenticated, codes.PermissionDenied:
		code = domain.CodeAuthFailed
	case codes.NotFound:
		code = domain.CodeKeyNotFound
	case codes.FailedPrecondition:
		code = domain.CodeKeyInvalidState
	case codes.InvalidArgument:
		code = domain.CodeInvalidArgument
	default:
		code = domain.CodeOperationFailed
	}
	return domain.NewCryptoError(code, operation+": "+st.Message(), correlationID, err)
}

package sqs

import (
	"context"
	"errors"

	"github.com/aws/smithy-go"

	"sqs-relay/internal/pkg/queue"
)

// authCodes are failures no retry can fix: bad or expired credentials,
// missing permissions, or a queue that does not exist.
var authCodes = map[string]bool{
	"AccessDenied":                            true,
	"AccessDeniedException":                   true,
	"InvalidClientTokenId":                    true,
	"UnrecognizedClientException":             true,
	"SignatureDoesNotMatch":                   true,
	"IncompleteSignature":                     true,
	"MissingAuthenticationToken":              true,
	"ExpiredToken":                            true,
	"ExpiredTokenException":                   true,
	"InvalidSecurity":                         true,
	"InvalidAddress":                          true,
	"QueueDoesNotExist":                       true,
	"AWS.SimpleQueueService.NonExistentQueue": true,
	"KmsAccessDenied":                         true,
	"KmsDisabled":                             true,
	"KmsNotFound":                             true,
}

var validationCodes = map[string]bool{
	"InvalidMessageContents":       true,
	"InvalidParameterValue":        true,
	"InvalidAttributeName":         true,
	"InvalidAttributeValue":        true,
	"InvalidIdFormat":              true,
	"ReceiptHandleIsInvalid":       true,
	"BatchEntryIdsNotDistinct":     true,
	"BatchRequestTooLong":          true,
	"EmptyBatchRequest":            true,
	"InvalidBatchEntryId":          true,
	"TooManyEntriesInBatchRequest": true,
	"UnsupportedOperation":         true,
	"MissingParameter":             true,
	"MalformedQueryString":         true,
	"InvalidParameterCombination":  true,
}

// classify maps an SDK error onto the queue error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return queue.NewTransientError(op, "", err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case authCodes[code]:
			return queue.NewAuthError(op, code, err)
		case validationCodes[code]:
			return queue.NewValidationError(op, code, err)
		default:
			return queue.NewTransientError(op, code, err)
		}
	}

	return queue.NewTransientError(op, "", err)
}

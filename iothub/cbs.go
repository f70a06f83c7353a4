package iothub

import (
	"context"
	"fmt"
	"strconv"

	"github.com/Azure/go-amqp"
)

// Claims-based security node and put-token vocabulary.
const (
	cbsAddress           = "$cbs"
	cbsOperationPutToken = "put-token"
	cbsTokenType         = "servicebus.windows.net:sastoken"

	cbsPropertyOperation   = "operation"
	cbsPropertyType        = "type"
	cbsPropertyName        = "name"
	cbsPropertyExpiration  = "expiration"
	cbsPropertyStatusCode  = "status-code"
	cbsPropertyDescription = "status-description"
)

// putToken authorizes the session for audience by sending credential to
// the $cbs node.
func putToken(ctx context.Context, link *RequestResponseLink, audience string, credential Credential) error {
	expiration := ""
	if !credential.Infinite() {
		expiration = strconv.FormatInt(credential.Expiry.Unix(), 10)
	}
	request := &amqp.Message{
		Value: credential.Token,
		ApplicationProperties: map[string]any{
			cbsPropertyOperation:  cbsOperationPutToken,
			cbsPropertyType:       cbsTokenType,
			cbsPropertyName:       audience,
			cbsPropertyExpiration: expiration,
		},
	}

	response, err := link.Call(ctx, request)
	if err != nil {
		return err
	}

	code, description := cbsStatus(response)
	switch {
	case code == 200 || code == 202:
		return nil
	case code == 401 || code == 403:
		return NewError(UnauthorizedError, fmt.Sprintf("put-token rejected (%d): %s", code, description))
	case code == 404:
		return NewError(ProtocolError, fmt.Sprintf("put-token target not found (%d): %s", code, description))
	case code < 0:
		return NewError(ProtocolError, "put-token response carried no status code")
	}
	return NewError(ProtocolError, fmt.Sprintf("put-token failed (%d): %s", code, description))
}

// cbsStatus reads the status code and description from a $cbs response.
// A missing or unreadable code is reported as -1.
func cbsStatus(response *amqp.Message) (int, string) {
	if response == nil || response.ApplicationProperties == nil {
		return -1, ""
	}
	description, _ := response.ApplicationProperties[cbsPropertyDescription].(string)

	code := -1
	switch value := response.ApplicationProperties[cbsPropertyStatusCode].(type) {
	case int32:
		code = int(value)
	case int64:
		code = int(value)
	case int:
		code = value
	case uint32:
		code = int(value)
	case string:
		if parsed, err := strconv.Atoi(value); err == nil {
			code = parsed
		}
	}
	return code, description
}

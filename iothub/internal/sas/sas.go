// Package sas implements shared access signature tokens and the
// connection string format that carries their key material.
package sas

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Connection string keys.
const (
	KeyHostName              = "HostName"
	KeySharedAccessKeyName   = "SharedAccessKeyName"
	KeySharedAccessKey       = "SharedAccessKey"
	KeySharedAccessSignature = "SharedAccessSignature"
)

// ConnectionString holds the fields of a service connection string.
type ConnectionString struct {
	HostName              string
	SharedAccessKeyName   string
	SharedAccessKey       string
	SharedAccessSignature string
}

// ParseConnectionString parses "Key=Value;Key=Value" pairs. Values may
// contain '=' (base64 padding), so only the first '=' splits a pair.
func ParseConnectionString(raw string) (ConnectionString, error) {
	var parsed ConnectionString
	for _, segment := range strings.Split(raw, ";") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		key, value, found := strings.Cut(segment, "=")
		if !found || key == "" {
			return ConnectionString{}, fmt.Errorf("malformed connection string segment %q", segment)
		}
		switch key {
		case KeyHostName:
			parsed.HostName = value
		case KeySharedAccessKeyName:
			parsed.SharedAccessKeyName = value
		case KeySharedAccessKey:
			parsed.SharedAccessKey = value
		case KeySharedAccessSignature:
			parsed.SharedAccessSignature = value
		}
	}

	if parsed.HostName == "" {
		return ConnectionString{}, errors.New("connection string is missing HostName")
	}
	if parsed.SharedAccessSignature == "" {
		if parsed.SharedAccessKeyName == "" || parsed.SharedAccessKey == "" {
			return ConnectionString{}, errors.New("connection string needs SharedAccessKeyName and SharedAccessKey, or SharedAccessSignature")
		}
		if _, err := base64.StdEncoding.DecodeString(parsed.SharedAccessKey); err != nil {
			return ConnectionString{}, fmt.Errorf("SharedAccessKey is not valid base64: %w", err)
		}
	}
	return parsed, nil
}

// Sign produces a SharedAccessSignature for resource valid until expiry.
// key is the base64 encoded shared access key.
func Sign(resource string, keyName string, key string, expiry time.Time) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("decode shared access key: %w", err)
	}

	encodedResource := url.QueryEscape(resource)
	seconds := strconv.FormatInt(expiry.Unix(), 10)

	mac := hmac.New(sha256.New, decoded)
	mac.Write([]byte(encodedResource + "\n" + seconds))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	token := "SharedAccessSignature sr=" + encodedResource +
		"&sig=" + url.QueryEscape(signature) +
		"&se=" + seconds
	if keyName != "" {
		token += "&skn=" + url.QueryEscape(keyName)
	}
	return token, nil
}

// Expiry extracts the se= field from a pre-built signature. A token
// without se= reports the zero time.
func Expiry(token string) (time.Time, error) {
	body := strings.TrimPrefix(token, "SharedAccessSignature ")
	values, err := url.ParseQuery(body)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse shared access signature: %w", err)
	}
	raw := values.Get("se")
	if raw == "" {
		return time.Time{}, nil
	}
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse shared access signature expiry: %w", err)
	}
	return time.Unix(seconds, 0), nil
}

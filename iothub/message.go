package iothub

import (
	"strings"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/google/uuid"
)

// AckType asks the service for delivery feedback on a cloud-to-device
// message.
type AckType string

// Feedback requests.
const (
	AckNone     AckType = "none"
	AckPositive AckType = "positive"
	AckNegative AckType = "negative"
	AckFull     AckType = "full"
)

const (
	applicationPropertyAck = "iothub-ack"
	cloudToDevicePath      = "/messages/devicebound"
)

// Message is a cloud-to-device message.
type Message struct {
	Body []byte
	// MessageID defaults to a random UUID when empty.
	MessageID     string
	CorrelationID string
	UserID        string
	ContentType   string
	// ContentEncoding is usually "utf-8" when ContentType is JSON.
	ContentEncoding string
	Ack             AckType
	// ExpiryTime after which the service drops the message. Zero means
	// the hub default.
	ExpiryTime time.Time
	Properties map[string]string
}

// deviceBoundAddress is the To address of a message for deviceID, or for
// moduleID on that device when set.
func deviceBoundAddress(deviceID string, moduleID string) string {
	var address strings.Builder
	address.WriteString("/devices/")
	address.WriteString(deviceID)
	if moduleID != "" {
		address.WriteString("/modules/")
		address.WriteString(moduleID)
	}
	address.WriteString(cloudToDevicePath)
	return address.String()
}

func (message *Message) toAMQP(deviceID string, moduleID string) *amqp.Message {
	to := deviceBoundAddress(deviceID, moduleID)
	messageID := message.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}

	properties := &amqp.MessageProperties{
		MessageID: messageID,
		To:        &to,
	}
	if message.CorrelationID != "" {
		properties.CorrelationID = message.CorrelationID
	}
	if message.UserID != "" {
		properties.UserID = []byte(message.UserID)
	}
	if message.ContentType != "" {
		contentType := message.ContentType
		properties.ContentType = &contentType
	}
	if message.ContentEncoding != "" {
		contentEncoding := message.ContentEncoding
		properties.ContentEncoding = &contentEncoding
	}
	if !message.ExpiryTime.IsZero() {
		expiry := message.ExpiryTime.UTC()
		properties.AbsoluteExpiryTime = &expiry
	}

	applicationProperties := make(map[string]any, len(message.Properties)+1)
	for key, value := range message.Properties {
		applicationProperties[key] = value
	}
	if message.Ack != "" && message.Ack != AckNone {
		applicationProperties[applicationPropertyAck] = string(message.Ack)
	}

	converted := &amqp.Message{
		Data:       [][]byte{message.Body},
		Properties: properties,
	}
	if len(applicationProperties) > 0 {
		converted.ApplicationProperties = applicationProperties
	}
	return converted
}

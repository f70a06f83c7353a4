package iothub

import (
	"encoding/json"
	"time"

	"github.com/Azure/go-amqp"
)

// FeedbackStatus is the delivery result reported for one message.
type FeedbackStatus string

// Feedback statuses reported by the service.
const (
	FeedbackSuccess               FeedbackStatus = "Success"
	FeedbackExpired               FeedbackStatus = "Expired"
	FeedbackDeliveryCountExceeded FeedbackStatus = "DeliveryCountExceeded"
	FeedbackRejected              FeedbackStatus = "Rejected"
	FeedbackPurged                FeedbackStatus = "Purged"
)

// FeedbackRecord is the outcome of one cloud-to-device message.
type FeedbackRecord struct {
	OriginalMessageID  string         `json:"originalMessageId"`
	Description        string         `json:"description"`
	DeviceGenerationID string         `json:"deviceGenerationId"`
	DeviceID           string         `json:"deviceId"`
	EnqueuedTime       time.Time      `json:"enqueuedTimeUtc"`
	StatusCode         FeedbackStatus `json:"statusCode"`
}

// FeedbackBatch is one feedback delivery, covering many messages.
type FeedbackBatch struct {
	// EnqueuedTime is when the service queued the batch.
	EnqueuedTime time.Time
	// UserID names the hub that produced the batch.
	UserID  string
	Records []FeedbackRecord
}

// FileUploadNotification reports a blob uploaded by a device.
type FileUploadNotification struct {
	DeviceID        string    `json:"deviceId"`
	BlobURI         string    `json:"blobUri"`
	BlobName        string    `json:"blobName"`
	LastUpdatedTime time.Time `json:"lastUpdatedTime"`
	BlobSizeInBytes int64     `json:"blobSizeInBytes"`
	EnqueuedTime    time.Time `json:"enqueuedTimeUtc"`
}

const annotationEnqueuedTime = "x-opt-enqueued-time"

func decodeFeedbackBatch(message *amqp.Message) (FeedbackBatch, error) {
	var batch FeedbackBatch
	if err := json.Unmarshal(messageBody(message), &batch.Records); err != nil {
		return FeedbackBatch{}, NewError(ProtocolError, "decode feedback batch", err)
	}
	if message.Properties != nil && len(message.Properties.UserID) > 0 {
		batch.UserID = string(message.Properties.UserID)
	}
	if enqueued, ok := message.Annotations[annotationEnqueuedTime].(time.Time); ok {
		batch.EnqueuedTime = enqueued
	}
	return batch, nil
}

func decodeFileUploadNotification(message *amqp.Message) (FileUploadNotification, error) {
	var notification FileUploadNotification
	if err := json.Unmarshal(messageBody(message), &notification); err != nil {
		return FileUploadNotification{}, NewError(ProtocolError, "decode file upload notification", err)
	}
	return notification, nil
}

// messageBody returns the payload whether it arrived as data sections or
// as an amqp-value string.
func messageBody(message *amqp.Message) []byte {
	if message == nil {
		return nil
	}
	if len(message.Data) == 1 {
		return message.Data[0]
	}
	if len(message.Data) > 1 {
		var joined []byte
		for _, section := range message.Data {
			joined = append(joined, section...)
		}
		return joined
	}
	switch value := message.Value.(type) {
	case string:
		return []byte(value)
	case []byte:
		return value
	}
	return nil
}

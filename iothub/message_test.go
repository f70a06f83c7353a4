package iothub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMessageToAMQP(t *testing.T) {
	expiry := time.Date(2026, 5, 1, 0, 0, 0, 0, time.FixedZone("X", 3600))
	message := &Message{
		Body:            []byte(`{"cmd":"reboot"}`),
		MessageID:       "m-1",
		CorrelationID:   "c-1",
		UserID:          "ops",
		ContentType:     "application/json",
		ContentEncoding: "utf-8",
		Ack:             AckFull,
		ExpiryTime:      expiry,
		Properties:      map[string]string{"priority": "high"},
	}

	converted := message.toAMQP("device-1", "")
	require.Equal(t, [][]byte{[]byte(`{"cmd":"reboot"}`)}, converted.Data)
	require.Equal(t, "m-1", converted.Properties.MessageID)
	require.Equal(t, "c-1", converted.Properties.CorrelationID)
	require.Equal(t, []byte("ops"), converted.Properties.UserID)
	require.Equal(t, "/devices/device-1/messages/devicebound", *converted.Properties.To)
	require.Equal(t, "application/json", *converted.Properties.ContentType)
	require.Equal(t, "utf-8", *converted.Properties.ContentEncoding)
	require.True(t, converted.Properties.AbsoluteExpiryTime.Equal(expiry))
	require.Equal(t, "full", converted.ApplicationProperties[applicationPropertyAck])
	require.Equal(t, "high", converted.ApplicationProperties["priority"])
}

func TestMessageToAMQPDefaults(t *testing.T) {
	converted := (&Message{Body: []byte("hi"), Ack: AckNone}).toAMQP("device-1", "module-a")
	require.Equal(t, "/devices/device-1/modules/module-a/messages/devicebound", *converted.Properties.To)
	require.Len(t, converted.Properties.MessageID, 36, "a UUID message id is generated")
	require.Nil(t, converted.ApplicationProperties)
	require.Nil(t, converted.Properties.AbsoluteExpiryTime)
}

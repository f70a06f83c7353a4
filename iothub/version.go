package iothub

import (
	"fmt"
	"runtime"
)

// ClientVersion is advertised to the service on connections and links.
const ClientVersion = "0.1.0"

const (
	propertyClientVersion = "com.microsoft:client-version"
	propertyTimeout       = "com.microsoft:timeout"
)

// UserAgent identifies this client, its Go runtime and platform.
func UserAgent() string {
	return fmt.Sprintf("iothub-client-go/%s (%s; %s/%s)", ClientVersion, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

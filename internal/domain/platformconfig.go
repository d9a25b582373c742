package domain

import "time"

// PlatformSetting is the process-wide, frozen-at-startup configuration for
// one enabled deployment platform (Platform Configuration).
type PlatformSetting struct {
	Platform     DeployPlatform
	Priority     int // position in PLATFORM_PRIORITY, lower = tried first
	Limit        int // max concurrent active bots on this platform
	QueueTimeout time.Duration
}

package pool

import "fmt"

func errApplicationFailed(applicationUUID string, status ApplicationStatus) error {
	return fmt.Errorf("application %s entered %s state", applicationUUID, status)
}

func errApplicationTimedOut(applicationUUID string) error {
	return fmt.Errorf("application %s did not reach running within %s", applicationUUID, RunningWaitTimeout)
}

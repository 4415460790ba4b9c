package redis

import "fmt"

const keyPrefix = "shiftkiosk:"

const (
	keySessionSeq     = keyPrefix + "seq:sessions"
	keySessionsActive = keyPrefix + "sessions:active"
	keyUnits          = keyPrefix + "units"
	keyShifts         = keyPrefix + "shifts"
	keyShiftLogSeq    = keyPrefix + "seq:shift_logs"
	keyShiftLogsAll   = keyPrefix + "shift_logs"
	keyUsers          = keyPrefix + "users"
	keyAdminUsers     = keyPrefix + "admin_users"
)

func sessionKey(id int64) string {
	return fmt.Sprintf("%ssession:%d", keyPrefix, id)
}

func unitActiveKey(unitID int64) string {
	return fmt.Sprintf("%ssessions:unit:%d:active", keyPrefix, unitID)
}

func unitKey(id int64) string {
	return fmt.Sprintf("%sunit:%d", keyPrefix, id)
}

func shiftLogKey(id int64) string {
	return fmt.Sprintf("%sshift_log:%d", keyPrefix, id)
}

func unitShiftLogsKey(unitID int64) string {
	return fmt.Sprintf("%sshift_logs:unit:%d", keyPrefix, unitID)
}

func userKey(id int64) string {
	return fmt.Sprintf("%suser:%d", keyPrefix, id)
}

func adminUserKey(username string) string {
	return keyPrefix + "admin_user:" + username
}

// logMember pads ids so equal-score members sort by id.
func logMember(id int64) string {
	return fmt.Sprintf("%020d", id)
}

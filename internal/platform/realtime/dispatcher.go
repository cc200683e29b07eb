package realtime

// AdminRole is the role whose members receive audit and system-health
// events.
const AdminRole = "Admin"

// Dispatcher maps domain events to registry sends. Upload and
// record-lifecycle events target the acting user only; audit and
// system-health events target admins; heartbeats target everyone. There is
// no retry and no queue — delivery is fire-and-forget.
type Dispatcher struct {
	reg *Registry
}

// NewDispatcher creates a Dispatcher over the given registry.
func NewDispatcher(reg *Registry) *Dispatcher {
	return &Dispatcher{reg: reg}
}

// NotifyUploadProgress reports file upload progress to the uploading user.
func (d *Dispatcher) NotifyUploadProgress(userID int64, batchID string, progress int, message string) {
	d.reg.SendToUser(userID, NewEnvelope(TypeUploadProgress, map[string]interface{}{
		"batch_id": batchID,
		"progress": progress,
		"message":  message,
	}))
}

// NotifyUploadComplete reports a finished upload to the uploading user.
func (d *Dispatcher) NotifyUploadComplete(userID int64, batchID string, total, successful, failed int) {
	rate := 0.0
	if total > 0 {
		rate = float64(successful) / float64(total) * 100
	}
	d.reg.SendToUser(userID, NewEnvelope(TypeUploadComplete, map[string]interface{}{
		"batch_id":           batchID,
		"total_records":      total,
		"successful_records": successful,
		"failed_records":     failed,
		"success_rate":       rate,
	}))
}

// NotifyUploadError reports a failed upload to the uploading user.
func (d *Dispatcher) NotifyUploadError(userID int64, batchID, errorMessage string) {
	d.reg.SendToUser(userID, NewEnvelope(TypeUploadError, map[string]interface{}{
		"batch_id": batchID,
		"error":    errorMessage,
	}))
}

// NotifyPatientCreated reports a new patient record to the acting user.
func (d *Dispatcher) NotifyPatientCreated(userID int64, patientID, patientName string) {
	d.notifyPatientEvent(TypePatientCreated, userID, patientID, patientName)
}

// NotifyPatientUpdated reports an updated patient record to the acting user.
func (d *Dispatcher) NotifyPatientUpdated(userID int64, patientID, patientName string) {
	d.notifyPatientEvent(TypePatientUpdated, userID, patientID, patientName)
}

// NotifyPatientDeleted reports a deleted patient record to the acting user.
func (d *Dispatcher) NotifyPatientDeleted(userID int64, patientID, patientName string) {
	d.notifyPatientEvent(TypePatientDeleted, userID, patientID, patientName)
}

func (d *Dispatcher) notifyPatientEvent(msgType string, userID int64, patientID, patientName string) {
	d.reg.SendToUser(userID, NewEnvelope(msgType, map[string]interface{}{
		"patient_id":   patientID,
		"patient_name": patientName,
	}))
}

// NotifyAuditEvent reports an audit event to connected admins.
func (d *Dispatcher) NotifyAuditEvent(eventType string, userID int64, details map[string]interface{}) {
	d.reg.SendToRoom(RoleRoom(AdminRole), NewEnvelope(TypeAuditLog, map[string]interface{}{
		"event_type": eventType,
		"user_id":    userID,
		"details":    details,
	}))
}

// NotifySystemHealth reports a health snapshot to connected admins.
func (d *Dispatcher) NotifySystemHealth(health map[string]interface{}) {
	d.reg.SendToRoom(RoleRoom(AdminRole), NewEnvelope(TypeSystemHealth, map[string]interface{}{
		"health_status": health,
	}))
}

// Notify sends a custom notification to one user. Level is one of info,
// success, warning, error.
func (d *Dispatcher) Notify(userID int64, message, level string) {
	d.reg.SendToUser(userID, NewEnvelope(TypeNotification, map[string]interface{}{
		"message":           message,
		"notification_type": level,
	}))
}

// Heartbeat broadcasts a heartbeat to every connection.
func (d *Dispatcher) Heartbeat() {
	d.reg.BroadcastAll(NewEnvelope(TypeHeartbeat, nil))
}

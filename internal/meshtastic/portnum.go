package meshtastic

// PortNum tags the semantic kind of a mesh payload (§3 glossary "Port
// number"). The enumerated set below is treated as normative per §9 open
// question #3: a port number not named here keeps its raw numeric value
// (String reports it as UNKNOWN_APP) and is routed only to plugin dispatch,
// never to core translation (§4.6 step 5).
type PortNum uint32

const (
	PortNumUnknown            PortNum = 0
	PortNumTextMessageApp     PortNum = 1
	PortNumPositionApp        PortNum = 3
	PortNumNodeInfoApp        PortNum = 4
	PortNumRoutingApp         PortNum = 5
	PortNumAdminApp           PortNum = 6
	PortNumDetectionSensorApp PortNum = 10
	PortNumTelemetryApp       PortNum = 67
	PortNumTraceRouteApp      PortNum = 70
	PortNumNeighborInfoApp    PortNum = 71
	PortNumMapReportApp       PortNum = 73
)

// IsCoreHandled reports whether the core itself classifies and translates
// this port number (text) versus merely delegating to plugins (§4.6 step 5,
// step 8).
func (p PortNum) IsCoreHandled() bool {
	return p == PortNumTextMessageApp
}

// IsTelemetryLike groups the port numbers §4.6 step 8 delegates entirely to
// plugins for sensor/telemetry/position formatting.
func (p PortNum) IsTelemetryLike() bool {
	switch p {
	case PortNumDetectionSensorApp, PortNumPositionApp, PortNumTelemetryApp:
		return true
	default:
		return false
	}
}

func (p PortNum) String() string {
	switch p {
	case PortNumTextMessageApp:
		return "TEXT_MESSAGE_APP"
	case PortNumPositionApp:
		return "POSITION_APP"
	case PortNumNodeInfoApp:
		return "NODEINFO_APP"
	case PortNumRoutingApp:
		return "ROUTING_APP"
	case PortNumAdminApp:
		return "ADMIN_APP"
	case PortNumDetectionSensorApp:
		return "DETECTION_SENSOR_APP"
	case PortNumTelemetryApp:
		return "TELEMETRY_APP"
	case PortNumTraceRouteApp:
		return "TRACEROUTE_APP"
	case PortNumNeighborInfoApp:
		return "NEIGHBORINFO_APP"
	case PortNumMapReportApp:
		return "MAP_REPORT_APP"
	default:
		return "UNKNOWN_APP"
	}
}

// BroadcastNode is the sentinel destination meaning "not a direct message"
// (§4.6 step 3).
const BroadcastNode uint32 = 0xFFFFFFFF

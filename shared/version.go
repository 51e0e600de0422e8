package shared

// Version is the bridge release version.
const Version = "0.1.0"

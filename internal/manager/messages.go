package manager

import "strings"

// Routes that prefix the signed messages of route-bound operations. Clients
// sign exactly the string these helpers build.
const (
	DeleteRoute = "/metadata/files"
	UploadRoute = "/metadata/upload"
)

// PublishMessage is the message an uploader signs to publish datasetID.
func PublishMessage(address, datasetID string) string {
	return strings.TrimSpace(address) + datasetID
}

// DeleteMessage is the message an owner signs to delete the datasets stored
// under blobGroupID.
func DeleteMessage(address, blobGroupID string) string {
	return DeleteRoute + strings.TrimSpace(address) + blobGroupID
}

// UploadMessage is the message signed to upload a new dataset.
func UploadMessage(address string) string {
	return UploadRoute + strings.TrimSpace(address)
}

// SplitList parses a comma separated parameter, trimming entries and
// dropping empty ones. Order is kept.
func SplitList(csv string) []string {
	var out []string
	for _, item := range strings.Split(csv, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

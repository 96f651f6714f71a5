package api

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// HeartbeatResponse is returned by GET /heartbeat.
type HeartbeatResponse struct {
	Status string `json:"status"`
}

// CreateProjectRequest is the body of POST /project.
type CreateProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ProjectRequest names a project. Used by DELETE /project and
// POST /project/reload.
type ProjectRequest struct {
	ID string `json:"id"`
}

// RenameProjectRequest is the body of POST /project/rename.
type RenameProjectRequest struct {
	ID     string `json:"id"`
	Rename string `json:"rename"`
}

// DeleteFileRequest is the body of DELETE /project/file.
type DeleteFileRequest struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

// RenameFileRequest is the body of POST /project/file/rename.
type RenameFileRequest struct {
	ID     string `json:"id"`
	Path   string `json:"path"`
	Repath string `json:"repath"`
}

// Multipart field names of PUT /project/file.
const (
	FieldProject = "project"
	FieldFile    = "file"
)

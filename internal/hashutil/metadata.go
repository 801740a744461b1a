package hashutil

import "strings"

// TypeTag classifies a file by extension. Per spec.md's design notes
// ("dynamic dispatch... is a closed enumeration driven by small extension
// tables; keep them as data, not code"), classification is a flat table
// lookup, never a chain of type-sniffing logic.
type TypeTag string

const (
	TypeImage    TypeTag = "image"
	TypeModel    TypeTag = "model"
	TypeVideo    TypeTag = "video"
	TypeAudio    TypeTag = "audio"
	TypeData     TypeTag = "data"
	TypeText     TypeTag = "text"
	TypeArchive  TypeTag = "archive"
	TypeCode     TypeTag = "code"
	TypeDocument TypeTag = "document"
	TypeOther    TypeTag = "other"
)

// extInfo pairs the type tag and MIME string classifyExt returns for a
// given lowercase extension (including the leading dot).
type extInfo struct {
	tag  TypeTag
	mime string
}

// extTable is the closed extension→classification table. Unknown
// extensions fall back to TypeOther with a generic octet-stream MIME type.
var extTable = map[string]extInfo{
	".png":  {TypeImage, "image/png"},
	".jpg":  {TypeImage, "image/jpeg"},
	".jpeg": {TypeImage, "image/jpeg"},
	".gif":  {TypeImage, "image/gif"},
	".bmp":  {TypeImage, "image/bmp"},
	".webp": {TypeImage, "image/webp"},
	".svg":  {TypeImage, "image/svg+xml"},
	".tiff": {TypeImage, "image/tiff"},

	".mp4":  {TypeVideo, "video/mp4"},
	".mov":  {TypeVideo, "video/quicktime"},
	".mkv":  {TypeVideo, "video/x-matroska"},
	".webm": {TypeVideo, "video/webm"},
	".avi":  {TypeVideo, "video/x-msvideo"},

	".mp3":  {TypeAudio, "audio/mpeg"},
	".wav":  {TypeAudio, "audio/wav"},
	".flac": {TypeAudio, "audio/flac"},
	".ogg":  {TypeAudio, "audio/ogg"},

	".safetensors": {TypeModel, "application/octet-stream"},
	".ckpt":        {TypeModel, "application/octet-stream"},
	".pt":          {TypeModel, "application/octet-stream"},
	".pth":         {TypeModel, "application/octet-stream"},
	".onnx":        {TypeModel, "application/octet-stream"},
	".gguf":        {TypeModel, "application/octet-stream"},
	".h5":          {TypeModel, "application/x-hdf"},

	".csv":      {TypeData, "text/csv"},
	".tsv":      {TypeData, "text/tab-separated-values"},
	".json":     {TypeData, "application/json"},
	".jsonl":    {TypeData, "application/jsonl"},
	".parquet":  {TypeData, "application/vnd.apache.parquet"},
	".npy":      {TypeData, "application/octet-stream"},
	".npz":      {TypeData, "application/octet-stream"},
	".arrow":    {TypeData, "application/vnd.apache.arrow.file"},
	".yaml":     {TypeData, "application/yaml"},
	".yml":      {TypeData, "application/yaml"},
	".toml":     {TypeData, "application/toml"},
	".db":       {TypeData, "application/x-sqlite3"},
	".sqlite":   {TypeData, "application/x-sqlite3"},
	".sqlite3":  {TypeData, "application/x-sqlite3"},

	".txt":  {TypeText, "text/plain"},
	".log":  {TypeText, "text/plain"},
	".md":   {TypeText, "text/markdown"},
	".rst":  {TypeText, "text/x-rst"},

	".tar":  {TypeArchive, "application/x-tar"},
	".gz":   {TypeArchive, "application/gzip"},
	".tgz":  {TypeArchive, "application/gzip"},
	".zip":  {TypeArchive, "application/zip"},
	".xz":   {TypeArchive, "application/x-xz"},
	".bz2":  {TypeArchive, "application/x-bzip2"},
	".7z":   {TypeArchive, "application/x-7z-compressed"},

	".py":   {TypeCode, "text/x-python"},
	".go":   {TypeCode, "text/x-go"},
	".js":   {TypeCode, "text/javascript"},
	".ts":   {TypeCode, "text/x-typescript"},
	".rs":   {TypeCode, "text/x-rust"},
	".c":    {TypeCode, "text/x-c"},
	".cpp":  {TypeCode, "text/x-c++"},
	".h":    {TypeCode, "text/x-c"},
	".java": {TypeCode, "text/x-java"},
	".sh":   {TypeCode, "text/x-shellscript"},
	".rb":   {TypeCode, "text/x-ruby"},

	".pdf":  {TypeDocument, "application/pdf"},
	".doc":  {TypeDocument, "application/msword"},
	".docx": {TypeDocument, "application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
	".html": {TypeDocument, "text/html"},
	".htm":  {TypeDocument, "text/html"},
}

// classifyExt classifies path by its lowercase file extension. Unmatched
// extensions (including none at all) classify as TypeOther.
func classifyExt(path string) (TypeTag, string) {
	ext := strings.ToLower(extensionOf(path))
	if info, ok := extTable[ext]; ok {
		return info.tag, info.mime
	}
	return TypeOther, "application/octet-stream"
}

// extensionOf returns the extension (including the leading dot) of the
// final path segment, or "" if there is none.
func extensionOf(path string) string {
	base := path
	if idx := strings.LastIndexAny(path, "/\\"); idx >= 0 {
		base = path[idx+1:]
	}
	dot := strings.LastIndex(base, ".")
	if dot <= 0 { // no dot, or a leading-dot dotfile with no further extension
		return ""
	}
	return base[dot:]
}

// FileMetadata describes one file within an OutputSet.
type FileMetadata struct {
	SizeBytes int64   `json:"size_bytes"`
	SHA256Hex string  `json:"sha256"`
	TypeTag   TypeTag `json:"type"`
	Mime      string  `json:"mime"`
}

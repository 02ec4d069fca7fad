package upload

import "strings"

// FileType is the display category of an attachment.
type FileType string

// File types.
const (
	FileDefault      FileType = "DEFAULT"
	FilePicture      FileType = "PICTURE"
	FileVideo        FileType = "VIDEO"
	FileAudio        FileType = "AUDIO"
	FilePDF          FileType = "PDF"
	FileWord         FileType = "WORD"
	FileExcel        FileType = "EXCEL"
	FilePresentation FileType = "PRESENTATION"
	FileCode         FileType = "CODE"
	FileText         FileType = "TEXT"
	FileArchive      FileType = "ARCHIVE"
)

// Icon returns the icon class for the type.
func (t FileType) Icon() string {
	switch t {
	case FilePicture:
		return "fa-file-image-o"
	case FileVideo:
		return "fa-file-video-o"
	case FileAudio:
		return "fa-file-audio-o"
	case FilePDF:
		return "fa-file-pdf-o"
	case FileWord:
		return "fa-file-word-o"
	case FileExcel:
		return "fa-file-excel-o"
	case FilePresentation:
		return "fa-file-powerpoint-o"
	case FileCode:
		return "fa-file-code-o"
	case FileText:
		return "fa-file-text-o"
	case FileArchive:
		return "fa-file-archive-o"
	default:
		return "fa-file-o"
	}
}

var mimeTypes = map[string]FileType{
	"application/pdf": FilePDF,

	"text/html":                FileCode,
	"application/json":         FileCode,
	"application/x-javascript": FileCode,

	"text/plain":      FileText,
	"application/rtf": FileText,
	"text/richtext":   FileText,

	"application/x-gzip":           FileArchive,
	"application/gzip":             FileArchive,
	"application/x-compressed":     FileArchive,
	"application/x-zip-compressed": FileArchive,
	"application/zip":              FileArchive,
	"application/x-tar":            FileArchive,
	"application/java-archive":     FileArchive,
	"multipart/x-zip":              FileArchive,
	"multipart/x-gzip":             FileArchive,

	"application/msword": FileWord,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": FileWord,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.template": FileWord,
	"application/vnd.ms-word.document.macroEnabled.12":                        FileWord,
	"application/vnd.ms-word.template.macroEnabled.12":                        FileWord,

	"application/msexcel":      FileExcel,
	"application/vnd.ms-excel": FileExcel,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":    FileExcel,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.template": FileExcel,
	"application/vnd.ms-excel.sheet.macroEnabled.12":                       FileExcel,
	"application/vnd.ms-excel.template.macroEnabled.12":                    FileExcel,
	"application/vnd.ms-excel.addin.macroEnabled.12":                       FileExcel,
	"application/vnd.ms-excel.sheet.binary.macroEnabled.12":                FileExcel,

	"application/mspowerpoint":      FilePresentation,
	"application/vnd.ms-powerpoint": FilePresentation,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": FilePresentation,
	"application/vnd.openxmlformats-officedocument.presentationml.template":     FilePresentation,
	"application/vnd.openxmlformats-officedocument.presentationml.slideshow":    FilePresentation,
	"application/vnd.ms-powerpoint.addin.macroEnabled.12":                       FilePresentation,
	"application/vnd.ms-powerpoint.presentation.macroEnabled.12":                FilePresentation,
	"application/vnd.ms-powerpoint.slideshow.macroEnabled.12":                   FilePresentation,

	// Browsers report some containers as octet-stream.
	"application/annodex":         FileVideo,
	"application/mp4":             FileVideo,
	"application/ogg":             FileVideo,
	"application/octet-stream":    FileVideo,
	"application/vnd.rn-realmedia": FileVideo,
	"application/x-matroska":      FileVideo,
	"application/x-troff-msvideo": FileVideo,
}

// Classify returns the FileType for a file name and content type.
func Classify(name, contentType string) FileType {
	if strings.HasSuffix(strings.ToLower(name), ".exe") {
		return FileDefault
	}
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	if t, ok := mimeTypes[contentType]; ok {
		return t
	}
	switch {
	case strings.Contains(contentType, "audio/"):
		return FileAudio
	case strings.Contains(contentType, "video/"):
		return FileVideo
	case strings.Contains(contentType, "image/"):
		return FilePicture
	default:
		return FileDefault
	}
}

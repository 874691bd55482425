package classify

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		mime     string
		filename string
		want     Category
	}{
		{"mime wins over extension", "audio/mpeg", "notes.txt", Audio},
		{"mime case and params", "Text/Plain; charset=UTF-8", "x.bin", Text},
		{"pdf", MIMEPDF, "report.pdf", Document},
		{"csv is a document", "text/csv", "data.csv", Document},
		{"odt", MIMEODT, "", Document},
		{"unknown mime falls back to extension", "application/x-weird", "song.flac", Audio},
		{"empty mime falls back to extension", "", "photo.JPEG", Image},
		{"archive extension", "", "bundle.tar", Archive},
		{"nothing matches", "application/x-weird", "blob.xyz", Other},
		{"no extension no mime", "", "README", Other},
		{"empty everything", "", "", Other},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.mime, tt.filename); got != tt.want {
				t.Errorf("Classify(%q, %q) = %q, want %q", tt.mime, tt.filename, got, tt.want)
			}
		})
	}
}

func TestExtensionTableCoversAllCategories(t *testing.T) {
	for cat, exts := range Extensions {
		for _, ext := range exts {
			got, ok := FromExtension("file." + ext)
			if !ok || got != cat {
				t.Errorf("FromExtension(.%s) = %q, %v; want %q", ext, got, ok, cat)
			}
		}
	}
}

func TestAllowed(t *testing.T) {
	if !Allowed("a.docx") {
		t.Error("docx should be allowed")
	}
	if Allowed("a.exe") {
		t.Error("exe should not be allowed")
	}
	if Allowed("noext") {
		t.Error("file without extension should not be allowed")
	}
}

func TestNormalizeMIME(t *testing.T) {
	tests := map[string]string{
		"":                          "",
		"  TEXT/HTML ":              "text/html",
		"text/plain; charset=utf-8": "text/plain",
		"broken;;":                  "broken",
	}
	for in, want := range tests {
		if got := NormalizeMIME(in); got != want {
			t.Errorf("NormalizeMIME(%q) = %q, want %q", in, got, want)
		}
	}
}

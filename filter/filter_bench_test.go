package filter

import (
	"testing"
)

// BenchmarkFilter_Allows_NoFilters benchmarks the filter when no filters are active
func BenchmarkFilter_Allows_NoFilters(b *testing.B) {
	f, err := New(Options{})
	if err != nil {
		b.Fatal(err)
	}
	msg := message("otp@bank.example", "Codigo de acceso", "Tu codigo es 135790")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Allows(msg)
	}
}

// BenchmarkFilter_Allows_HeaderInclude measures the header rendering path
func BenchmarkFilter_Allows_HeaderInclude(b *testing.B) {
	f, err := New(Options{IncludeHeader: []string{`From: .*@bank\.example`}})
	if err != nil {
		b.Fatal(err)
	}
	msg := message("Banca <otp@bank.example>", "Codigo de acceso", "Tu codigo es 135790")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Allows(msg)
	}
}

// BenchmarkFilter_Allows_BodyExclude measures the body decoding path
func BenchmarkFilter_Allows_BodyExclude(b *testing.B) {
	f, err := New(Options{
		ExcludeBody: []string{"(?i)unsubscribe", "(?i)newsletter", `(?i)\bpromo`},
	})
	if err != nil {
		b.Fatal(err)
	}
	msg := message("otp@bank.example", "OTP", "Your code is 123456. This is not a newsletter.")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Allows(msg)
	}
}

package codec

// Barker7 is the 7-bit Barker sequence used as a preamble: its
// autocorrelation has a single sharp peak at zero lag and small
// sidelobes everywhere else, which is what lets Demodulator pick the
// start of a frame out of a noisy, possibly DC-biased channel.
var Barker7 = []bool{true, true, true, false, false, true, false}

// Barker11 is the 11-bit variant, traded in for Barker7 when a noisier
// link needs a sharper correlation peak at the cost of a longer preamble.
var Barker11 = []bool{true, true, true, false, false, false, true, false, false, true, false}
